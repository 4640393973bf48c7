package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTPStore talks to the daemon's storage API.
type HTTPStore struct {
	baseURL   string
	publicURL string
	client    *http.Client
}

// NewHTTPStore builds a client. baseURL is the daemon root (PUT/DELETE
// {baseURL}/storage/{name}); publicURL is the prefix objects are served from.
func NewHTTPStore(baseURL, publicURL string, client *http.Client) (*HTTPStore, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("objectstore: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("objectstore: parse base url: %w", err)
	}
	public := strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if public == "" {
		public = base + "/objects"
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStore{baseURL: base, publicURL: public, client: client}, nil
}

// Upload implements Store.
func (h *HTTPStore) Upload(ctx context.Context, name string, body []byte, opts UploadOptions) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	endpoint := h.baseURL + "/storage/" + url.PathEscape(name)
	if opts.Upsert {
		endpoint += "?upsert=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create upload request: %w", err)
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	return h.do(req, name)
}

// PublicURL implements Store.
func (h *HTTPStore) PublicURL(name string) string {
	return h.publicURL + "/" + url.PathEscape(name)
}

// Remove implements Store.
func (h *HTTPStore) Remove(ctx context.Context, names ...string) error {
	var errList []error
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			errList = append(errList, err)
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.baseURL+"/storage/"+url.PathEscape(name), nil)
		if err != nil {
			errList = append(errList, fmt.Errorf("create remove request: %w", err))
			continue
		}
		if err := h.do(req, name); err != nil && !errors.Is(err, ErrNotFound) {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (h *HTTPStore) do(req *http.Request, name string) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrExists
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s status %d: %s", req.Method, name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
