// Package objectstore stores claim images under deterministic names and serves
// them from public URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrExists is returned by Upload when the object exists and upsert is off.
var ErrExists = errors.New("objectstore: object already exists")

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

// UploadOptions controls a single upload.
type UploadOptions struct {
	ContentType string
	Upsert      bool
}

// Store is the object storage contract used by the claim pipeline.
type Store interface {
	Upload(ctx context.Context, name string, body []byte, opts UploadOptions) error
	PublicURL(name string) string
	Remove(ctx context.Context, names ...string) error
}

// ValidateName rejects names that could escape the bucket.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("objectstore: empty name")
	}
	if trimmed != name || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("objectstore: invalid name %q", name)
	}
	return nil
}

// Disk is a directory-backed Store.
type Disk struct {
	dir     string
	baseURL string
}

// NewDisk creates the directory if needed. baseURL is the public prefix that
// object names are appended to.
func NewDisk(dir, baseURL string) (*Disk, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("objectstore: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create %s: %w", dir, err)
	}
	return &Disk{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload writes the object atomically via a temp file and rename.
func (d *Disk) Upload(ctx context.Context, name string, body []byte, opts UploadOptions) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.Join(d.dir, name)
	if !opts.Upsert {
		if _, err := os.Stat(target); err == nil {
			return ErrExists
		}
	}
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("objectstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore: rename %s: %w", name, err)
	}
	return nil
}

// PublicURL implements Store.
func (d *Disk) PublicURL(name string) string {
	return d.baseURL + "/" + name
}

// Remove deletes objects; missing objects are not an error.
func (d *Disk) Remove(ctx context.Context, names ...string) error {
	var errList []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ValidateName(name); err != nil {
			errList = append(errList, err)
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errList = append(errList, fmt.Errorf("objectstore: remove %s: %w", name, err))
		}
	}
	return errors.Join(errList...)
}

// Open returns the object contents and modification time for serving.
func (d *Disk) Open(name string) (*os.File, time.Time, error) {
	if err := ValidateName(name); err != nil {
		return nil, time.Time{}, err
	}
	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("objectstore: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, time.Time{}, fmt.Errorf("objectstore: stat %s: %w", name, err)
	}
	return f, info.ModTime(), nil
}

// CheckLive issues a HEAD request against a public URL and fails on any
// non-2xx status.
func CheckLive(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("create liveness request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("liveness %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("liveness %s: status %d", url, resp.StatusCode)
	}
	return nil
}
