// Package cache is the durable local mirror of cell records. It is an
// optimisation only: every failure is logged and turned into a no-op, and a nil
// *Cache is a valid cache that stores nothing.
package cache

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_errors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

const (
	cellPrefix     = "C"
	metadataPrefix = "M"

	defaultHotTTL     = 2 * time.Minute
	defaultHotCleanup = time.Minute
)

// Options configures a Cache.
type Options struct {
	// HotTTL is the lifetime of entries in the in-process tier.
	HotTTL time.Duration
	Logger *log.Logger
}

// Cache layers an in-process hot tier over a LevelDB database.
type Cache struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	hot    *gocache.Cache
	ttl    time.Duration
	logger *log.Logger
}

// Open opens or creates the cache database under dir, recovering a corrupted
// manifest when possible.
func Open(dir string, opts Options) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory required")
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(dir)), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create parent: %w", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil && ldb_errors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", dir, err)
	}
	return newCache(db, opts), nil
}

// OpenMemory returns a cache backed by an in-memory LevelDB storage.
func OpenMemory(opts Options) (*Cache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open memory: %w", err)
	}
	return newCache(db, opts), nil
}

func newCache(db *leveldb.DB, opts Options) *Cache {
	ttl := opts.HotTTL
	if ttl <= 0 {
		ttl = defaultHotTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Cache{
		db:     db,
		hot:    gocache.New(ttl, defaultHotCleanup),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached cell at (x, y).
func (c *Cache) Get(x, y int) (cell.Cell, bool) {
	if c == nil || !cell.InBounds(x, y) {
		return cell.Cell{}, false
	}
	key := cellKey(x, y)
	if obj, found := c.hot.Get(key); found {
		return obj.(cell.Cell).Clone(), true
	}

	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return cell.Cell{}, false
	}
	raw, err := db.Get([]byte(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.logger.Printf("cache get %s: %v", key, err)
		}
		return cell.Cell{}, false
	}
	var out cell.Cell
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Printf("cache decode %s: %v", key, err)
		return cell.Cell{}, false
	}
	c.hot.Set(key, out, c.ttl)
	return out.Clone(), true
}

// Put mirrors a cell record.
func (c *Cache) Put(v cell.Cell) {
	c.PutMany([]cell.Cell{v})
}

// PutMany mirrors a batch of cell records in one write.
func (c *Cache) PutMany(cells []cell.Cell) {
	if c == nil || len(cells) == 0 {
		return
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	batch := new(leveldb.Batch)
	staged := make(map[string]cell.Cell, len(cells))
	for _, v := range cells {
		if !cell.InBounds(v.X, v.Y) {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			c.logger.Printf("cache encode %s: %v", v.Coord(), err)
			continue
		}
		key := cellKey(v.X, v.Y)
		batch.Put([]byte(key), raw)
		staged[key] = v.Clone()
	}
	if err := db.Write(batch, nil); err != nil {
		c.logger.Printf("cache put %d cells: %v", len(staged), err)
		return
	}
	for key, v := range staged {
		c.hot.Set(key, v, c.ttl)
	}
}

// GetRange visits the inclusive rectangle coordinate by coordinate and returns
// the cached cells found.
func (c *Cache) GetRange(x0, y0, x1, y1 int) []cell.Cell {
	if c == nil {
		return nil
	}
	rect, ok := cell.NewRect(x0, y0, x1, y1).Clamp()
	if !ok {
		return nil
	}
	out := make([]cell.Cell, 0)
	for y := rect.MinY; y <= rect.MaxY; y++ {
		for x := rect.MinX; x <= rect.MaxX; x++ {
			if v, found := c.Get(x, y); found {
				out = append(out, v)
			}
		}
	}
	return out
}

// Delete evicts the cell at (x, y).
func (c *Cache) Delete(x, y int) {
	if c == nil || !cell.InBounds(x, y) {
		return
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	key := cellKey(x, y)
	c.hot.Delete(key)
	if err := db.Delete([]byte(key), nil); err != nil {
		c.logger.Printf("cache delete %s: %v", key, err)
	}
}

// EvictMissing removes cached cells inside rect that are absent from present,
// the authoritative contents of that rectangle. The scan is bounded by the
// number of cached cells, not by the size of rect.
func (c *Cache) EvictMissing(rect cell.Rect, present []cell.Cell) {
	if c == nil {
		return
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	keep := make(map[cell.Coord]struct{}, len(present))
	for _, v := range present {
		keep[v.Coord()] = struct{}{}
	}
	batch := new(leveldb.Batch)
	var evicted []string
	iter := db.NewIterator(ldb_util.BytesPrefix([]byte(cellPrefix)), nil)
	for iter.Next() {
		key := string(iter.Key())
		coord, err := cell.ParseKey(key[len(cellPrefix):])
		if err != nil || !rect.Contains(coord.X, coord.Y) {
			continue
		}
		if _, ok := keep[coord]; ok {
			continue
		}
		batch.Delete([]byte(key))
		evicted = append(evicted, key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		c.logger.Printf("cache evict iterate: %v", err)
		return
	}
	if len(evicted) == 0 {
		return
	}
	if err := db.Write(batch, nil); err != nil {
		c.logger.Printf("cache evict %d cells: %v", len(evicted), err)
		return
	}
	for _, key := range evicted {
		c.hot.Delete(key)
	}
}

// Clear removes every cached cell and metadata entry.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.hot.Flush()
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	batch := new(leveldb.Batch)
	for _, prefix := range []string{cellPrefix, metadataPrefix} {
		iter := db.NewIterator(ldb_util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			c.logger.Printf("cache clear iterate %s: %v", prefix, err)
		}
	}
	if err := db.Write(batch, nil); err != nil {
		c.logger.Printf("cache clear: %v", err)
	}
}

// Metadata returns a generic metadata value such as the background image URL.
func (c *Cache) Metadata(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	key := metadataPrefix + name
	if obj, found := c.hot.Get(key); found {
		return obj.(string), true
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return "", false
	}
	raw, err := db.Get([]byte(key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.logger.Printf("cache metadata %s: %v", name, err)
		}
		return "", false
	}
	value := string(raw)
	c.hot.Set(key, value, c.ttl)
	return value, true
}

// SetMetadata stores a metadata value.
func (c *Cache) SetMetadata(name, value string) {
	if c == nil {
		return
	}
	c.mu.RLock()
	db := c.db
	c.mu.RUnlock()
	if db == nil {
		return
	}
	key := metadataPrefix + name
	if err := db.Put([]byte(key), []byte(value), nil); err != nil {
		c.logger.Printf("cache set metadata %s: %v", name, err)
		return
	}
	c.hot.Set(key, value, c.ttl)
}

// Close releases the database. Later calls become no-ops.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	db := c.db
	c.db = nil
	c.mu.Unlock()
	c.hot.Flush()
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("cache: close: %w", err)
	}
	return nil
}

func cellKey(x, y int) string {
	return cellPrefix + cell.Key(x, y)
}
