package mint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		Wallet:      "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Name:        "Pixel (10, 20)",
		Description: "sunset",
		ImageURL:    "https://cdn.example/objects/pixel_10_20.png",
		X:           10,
		Y:           20,
	}
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	cases := map[string]func(*Request){
		"wallet": func(r *Request) { r.Wallet = " " },
		"name":   func(r *Request) { r.Name = "" },
		"long":   func(r *Request) { r.Name = strings.Repeat("n", maxNameLength+1) },
		"url":    func(r *Request) { r.ImageURL = "file:///etc/passwd" },
		"bounds": func(r *Request) { r.X = 1000 },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		require.Error(t, req.Validate(), name)
	}
}

func TestClientAgainstHandler(t *testing.T) {
	h, err := NewHandler(HandlerOptions{Minter: LocalMinter{}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)

	ref, err := c.Mint(context.Background(), validRequest())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "local-"))

	bad := validRequest()
	bad.Y = -1
	_, err = c.Mint(context.Background(), bad)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "outside the grid")
}

type failingMinter struct{ err error }

func (f failingMinter) Mint(context.Context, Request) (string, error) { return "", f.err }

func TestHandlerMapsMinterFailures(t *testing.T) {
	h, err := NewHandler(HandlerOptions{Minter: failingMinter{err: errors.New("rpc down")}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	_, err = c.Mint(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "502")
}

func TestHandlerRateLimits(t *testing.T) {
	h, err := NewHandler(HandlerOptions{Minter: LocalMinter{}, Rate: 0.001, Burst: 1})
	require.NoError(t, err)

	body := `{"wallet":"w","name":"n","description":"","imageUrl":"https://x/y.png","x":1,"y":1}`
	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/mint", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/mint", strings.NewReader(body)))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestHandlerRejectsUnknownFieldsAndMethods(t *testing.T) {
	h, err := NewHandler(HandlerOptions{Minter: LocalMinter{}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mint", strings.NewReader(`{"script":"x"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mint", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestExplorerURL(t *testing.T) {
	require.Equal(t, "https://explorer.example/address/abc?cluster=devnet",
		ExplorerURL("https://explorer.example/address/{mint}?cluster=devnet", "abc"))
	require.Empty(t, ExplorerURL("", "abc"))
}
