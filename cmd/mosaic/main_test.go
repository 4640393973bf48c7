package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore/memory"
	"github.com/coachpo/mosaic/internal/infra/objectstore"
	httpserver "github.com/coachpo/mosaic/internal/infra/server/http"
	"github.com/coachpo/mosaic/internal/retry"
)

type harness struct {
	cells  *memory.Store
	daemon string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	cells := memory.NewStore()
	disk, err := objectstore.NewDisk(filepath.Join(dir, "objects"), "http://objects.invalid")
	require.NoError(t, err)
	handler, err := httpserver.NewHandler(httpserver.Options{Cells: cells, Objects: disk})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfgPath := filepath.Join(dir, "mosaic.yaml")
	yaml := "environment: dev\n" +
		"cache:\n  path: " + filepath.Join(dir, "cache") + "\n" +
		"grid:\n  queryAttempts: 1\n  loadAttempts: 1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))
	return &harness{cells: cells, daemon: srv.URL, config: cfgPath}
}

func (h *harness) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	app := newApp()
	var stdout, stderr bytes.Buffer
	app.Writer = &stdout
	app.ErrWriter = &stderr
	full := append([]string{"mosaic", "--config", h.config, "--daemon", h.daemon}, args...)
	err := app.Run(full)
	return stdout.String(), stderr.String(), err
}

func TestCellReportsOwnership(t *testing.T) {
	h := newHarness(t)
	_, err := h.cells.Commit(context.Background(), cell.Cell{
		X: 3, Y: 4, Owner: "alice", ImageURL: cell.StringPtr("http://objects.invalid/3_4.png"), Title: "hello",
	})
	require.NoError(t, err)

	out, _, err := h.run(t, "cell", "--x", "3", "--y", "4")
	require.NoError(t, err)
	var owned cellOutput
	require.NoError(t, json.Unmarshal([]byte(out), &owned))
	require.False(t, owned.Available)
	require.Equal(t, "alice", owned.Owner)
	require.Equal(t, "hello", owned.Title)
	require.NotEmpty(t, owned.UpdatedAt)

	out, _, err = h.run(t, "cell", "--x", "5", "--y", "4")
	require.NoError(t, err)
	var free cellOutput
	require.NoError(t, json.Unmarshal([]byte(out), &free))
	require.True(t, free.Available)
	require.Equal(t, 5, free.X)
}

func TestCellRejectsOutOfBounds(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run(t, "cell", "--x", "1000", "--y", "0")
	require.ErrorContains(t, err, "invalid cell")
}

func TestFindStartsAtCenterOnEmptyGrid(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run(t, "find")
	require.NoError(t, err)
	var got cell.Coord
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, cell.Center(), got)
}

func TestFindSkipsOwnedSeed(t *testing.T) {
	h := newHarness(t)
	_, err := h.cells.Commit(context.Background(), cell.Cell{X: 500, Y: 500, Owner: "alice"})
	require.NoError(t, err)

	out, _, err := h.run(t, "find")
	require.NoError(t, err)
	var got cell.Coord
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.True(t, got.Valid())
	require.NotEqual(t, cell.Center(), got)
}

func TestKeypairGenerateAndShow(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "wallet.json")

	out, _, err := h.run(t, "keypair", "generate", "--output", path)
	require.NoError(t, err)
	var generated keypairOutput
	require.NoError(t, json.Unmarshal([]byte(out), &generated))
	require.NotEmpty(t, generated.Address)

	_, _, err = h.run(t, "keypair", "generate", "--output", path)
	require.ErrorContains(t, err, "not overwriting")

	out, _, err = h.run(t, "keypair", "show", "--keypair", path)
	require.NoError(t, err)
	var shown keypairOutput
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Equal(t, generated.Address, shown.Address)
}

func TestClaimValidatesArguments(t *testing.T) {
	h := newHarness(t)
	image := filepath.Join(t.TempDir(), "pixel.png")
	require.NoError(t, os.WriteFile(image, []byte{0x89, 'P', 'N', 'G'}, 0o600))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing file", args: []string{"claim", "--keypair", "k.json"}, want: "missing --file"},
		{name: "missing keypair", args: []string{"claim", "--file", image}, want: "missing --keypair"},
		{name: "out of bounds", args: []string{"claim", "--file", image, "--keypair", "k.json", "--x", "5", "--y", "1000"}, want: "invalid cell"},
		{name: "unreadable keypair", args: []string{"claim", "--file", image, "--keypair", filepath.Join(t.TempDir(), "none.json")}, want: "none.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.run(t, tt.args...)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDaemonOverrideMovesDerivedEndpoints(t *testing.T) {
	h := newHarness(t)
	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}
	var seen *metadata
	app.Commands = append(app.Commands, cli.Command{
		Name: "inspect",
		Action: func(c *cli.Context) error {
			seen = c.App.Metadata["config"].(*metadata)
			return nil
		},
	})
	require.NoError(t, app.Run([]string{"mosaic", "--config", h.config, "--daemon", h.daemon + "/", "inspect"}))
	require.NotNil(t, seen)
	require.Equal(t, h.daemon, seen.daemon)
	require.Equal(t, h.daemon, seen.config.APIServer.PublicURL)
	require.Equal(t, h.daemon+"/mint", seen.config.Mint.Endpoint)
}

func TestDeclaredTypeFollowsExtension(t *testing.T) {
	require.Equal(t, "image/png", declaredType("/tmp/art.png"))
	require.Equal(t, "image/jpeg", declaredType("photo.JPG"))
	require.Equal(t, "", declaredType("notes"))
}

func TestGridPolicy(t *testing.T) {
	fallback := retry.Network()
	require.Equal(t, fallback, gridPolicy(0, time.Second, fallback))

	p := gridPolicy(5, 500*time.Millisecond, fallback)
	require.Equal(t, 5, p.Attempts)
	require.Equal(t, 500*time.Millisecond, p.Initial)
	require.Equal(t, 2*time.Second, p.Max)
}
