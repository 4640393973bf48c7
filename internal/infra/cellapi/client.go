// Package cellapi reads and commits cells through the daemon's HTTP API.
package cellapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

const defaultTimeout = 15 * time.Second

// RangeResponse is the body of GET /cells.
type RangeResponse struct {
	Cells []cell.Cell `json:"cells"`
}

// OwnedResponse is the body of GET /cells/owned.
type OwnedResponse struct {
	Cells []cell.Coord `json:"cells"`
}

// Client implements cellstore.Store over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ cellstore.Store = (*Client)(nil)

// NewClient builds a client for the daemon rooted at baseURL.
func NewClient(baseURL string, client *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("cellapi: base url required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("cellapi: parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("cellapi: unsupported scheme %q", parsed.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: base, http: client}, nil
}

func rectQuery(r cell.Rect) string {
	q := url.Values{}
	q.Set("x0", strconv.Itoa(r.MinX))
	q.Set("y0", strconv.Itoa(r.MinY))
	q.Set("x1", strconv.Itoa(r.MaxX))
	q.Set("y1", strconv.Itoa(r.MaxY))
	return q.Encode()
}

func cellPath(c cell.Coord) string {
	return "/cells/" + strconv.Itoa(c.X) + "/" + strconv.Itoa(c.Y)
}

// Range implements cellstore.Reader.
func (c *Client) Range(ctx context.Context, r cell.Rect) ([]cell.Cell, error) {
	var out RangeResponse
	if _, err := c.do(ctx, http.MethodGet, "/cells?"+rectQuery(r), nil, &out); err != nil {
		return nil, err
	}
	return out.Cells, nil
}

// Get implements cellstore.Reader.
func (c *Client) Get(ctx context.Context, coord cell.Coord) (cell.Cell, error) {
	var out cell.Cell
	if _, err := c.do(ctx, http.MethodGet, cellPath(coord), nil, &out); err != nil {
		return cell.Cell{}, err
	}
	return out, nil
}

// Latest implements cellstore.Reader. The daemon answers 204 for an empty table.
func (c *Client) Latest(ctx context.Context) (cell.Cell, bool, error) {
	var out cell.Cell
	status, err := c.do(ctx, http.MethodGet, "/cells/latest", nil, &out)
	if err != nil {
		return cell.Cell{}, false, err
	}
	if status == http.StatusNoContent {
		return cell.Cell{}, false, nil
	}
	return out, true, nil
}

// OwnedIn implements cellstore.Reader.
func (c *Client) OwnedIn(ctx context.Context, r cell.Rect) ([]cell.Coord, error) {
	var out OwnedResponse
	if _, err := c.do(ctx, http.MethodGet, "/cells/owned?"+rectQuery(r), nil, &out); err != nil {
		return nil, err
	}
	return out.Cells, nil
}

// Commit implements cellstore.Writer.
func (c *Client) Commit(ctx context.Context, in cell.Cell) (cell.Cell, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return cell.Cell{}, fmt.Errorf("encode cell: %w", err)
	}
	var out cell.Cell
	if _, err := c.do(ctx, http.MethodPut, cellPath(in.Coord()), body, &out); err != nil {
		return cell.Cell{}, err
	}
	return out, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, cellstore.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return resp.StatusCode, cellstore.ErrConflict
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		var decoded errorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			msg = decoded.Error
		}
		return resp.StatusCode, fmt.Errorf("%s %s status %d: %s", method, path, resp.StatusCode, msg)
	}
}
