// Package mint talks to the trusted minting endpoint and provides the
// server-side handler behind it.
package mint

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

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

const (
	maxNameLength        = 64
	maxDescriptionLength = 1024
	maxErrorBodyPreview  = 4 << 10
	defaultClientTimeout = 30 * time.Second
)

// ErrRejected is returned when the endpoint refuses a request.
var ErrRejected = errors.New("mint: request rejected")

// Request describes one NFT to mint for a claimed cell.
type Request struct {
	Wallet      string `json:"wallet"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"imageUrl"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
}

// Validate checks the payload before it is forwarded to a Minter.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Wallet) == "" {
		return errors.New("wallet required")
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return errors.New("name required")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters", maxNameLength)
	}
	if len(r.Description) > maxDescriptionLength {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLength)
	}
	u, err := url.Parse(r.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("imageUrl %q is not an absolute http(s) URL", r.ImageURL)
	}
	if !cell.InBounds(r.X, r.Y) {
		return fmt.Errorf("coordinates (%d,%d) outside the grid", r.X, r.Y)
	}
	return nil
}

// Minter mints an NFT and returns its mint reference.
type Minter interface {
	Mint(ctx context.Context, req Request) (string, error)
}

// LocalMinter issues random references without touching a chain.
type LocalMinter struct{}

// Mint implements Minter.
func (LocalMinter) Mint(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return "local-" + uuid.NewString(), nil
}

type response struct {
	Mint  string `json:"mint,omitempty"`
	Error string `json:"error,omitempty"`
}

// Client posts mint requests to a remote endpoint.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient constructs a client for the endpoint URL.
func NewClient(endpoint string, client *http.Client) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("mint: endpoint required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{endpoint: endpoint, client: client}, nil
}

// Mint implements Minter. Requests are sent exactly once.
func (c *Client) Mint(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("mint: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mint: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("mint: request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPreview))
	if err != nil {
		return "", fmt.Errorf("mint: read response: %w", err)
	}
	var payload response
	decodeErr := json.Unmarshal(raw, &payload)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(payload.Error)
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("mint: decode response: %w", decodeErr)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrRejected, payload.Error)
	}
	if payload.Mint == "" {
		return "", fmt.Errorf("%w: empty mint reference", ErrRejected)
	}
	return payload.Mint, nil
}

// ExplorerURL renders the public URL of a mint from a template containing "{mint}".
func ExplorerURL(template, mint string) string {
	if template == "" || mint == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{mint}", url.PathEscape(mint))
}
