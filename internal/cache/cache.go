// Package cache implements Porter's content-addressed store for transpiled
// module output, plus the destination-root writer used for bundle
// artifacts and other served files.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached transpile result.
type Entry struct {
	Code []byte
	// Map is a raw V3 source map with its sourcesContent field stripped,
	// nil if the Module has no map.
	Map []byte
}

// Mirror is an optional cross-instance backend that Cache writes through
// to on every Write, and falls back to on a local Read miss. A nil Mirror
// disables cross-instance sharing entirely.
type Mirror interface {
	Put(ctx context.Context, key string, entry Entry) error
	Get(ctx context.Context, key string) (Entry, bool, error)
}

// Cache manages two roots: cacheRoot holds content-addressed transpile
// output keyed by (id, sourceHash); destRoot holds the served bundle
// artifacts and other files written with WriteFile.
type Cache struct {
	cacheRoot string
	destRoot  string
	mirror    Mirror
	obtain    singleflight.Group
}

// New constructs a Cache rooted at cacheRoot (transpile cache) and
// destRoot (served output). mirror may be nil.
func New(cacheRoot, destRoot string, mirror Mirror) *Cache {
	return &Cache{cacheRoot: cacheRoot, destRoot: destRoot, mirror: mirror}
}

// Key derives the content-addressed key for (id, sourceHash). It is
// exported so callers that need to name a cache entry without reading or
// writing it (e.g. to report cache statistics) can do so.
func Key(id, sourceHash string) string {
	digest := xxhash.Sum64String(id + "\x00" + sourceHash)
	return strconv.FormatUint(digest, 16)
}

// Read looks up a cached Entry by (id, sourceHash). A miss is reported by
// ok == false with a nil error; only I/O failures return err.
func (c *Cache) Read(ctx context.Context, id, sourceHash string) (entry Entry, ok bool, err error) {
	key := Key(id, sourceHash)
	return c.readKey(ctx, key)
}

func (c *Cache) readKey(ctx context.Context, key string) (Entry, bool, error) {
	code, err := os.ReadFile(c.codePath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c.readMirror(ctx, key)
		}
		return Entry{}, false, err
	}

	entry := Entry{Code: code}
	if mapBytes, err := os.ReadFile(c.mapPath(key)); err == nil {
		entry.Map = mapBytes
	} else if !errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *Cache) readMirror(ctx context.Context, key string) (Entry, bool, error) {
	if c.mirror == nil {
		return Entry{}, false, nil
	}
	entry, ok, err := c.mirror.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	// populate the local cache so the next Read is a local hit.
	_ = c.writeKey(ctx, key, entry, false)
	return entry, true, nil
}

// Write stores entry under (id, sourceHash), atomically, and mirrors it
// remotely if a Mirror is configured. Concurrent writers for the same key
// are safe: each writes its own temp file and only the final rename is
// observable, so the last writer to rename wins and nobody observes a
// partially-written file.
func (c *Cache) Write(ctx context.Context, id, sourceHash string, entry Entry) error {
	key := Key(id, sourceHash)
	return c.writeKey(ctx, key, entry, true)
}

func (c *Cache) writeKey(ctx context.Context, key string, entry Entry, mirror bool) error {
	entry.Map = stripSourcesContent(entry.Map)

	if err := atomicWrite(c.codePath(key), entry.Code); err != nil {
		return err
	}
	if len(entry.Map) > 0 {
		if err := atomicWrite(c.mapPath(key), entry.Map); err != nil {
			return err
		}
	}

	if mirror && c.mirror != nil {
		_ = c.mirror.Put(ctx, key, entry)
	}
	return nil
}

// Obtain returns the cached Entry for (id, sourceHash), computing and
// storing it via compute on a miss. Concurrent Obtain calls for the same
// (id, sourceHash) coalesce onto a single in-flight compute: one caller
// runs compute, the rest receive its result.
func (c *Cache) Obtain(ctx context.Context, id, sourceHash string, compute func() (Entry, error)) (Entry, error) {
	key := Key(id, sourceHash)

	if entry, ok, err := c.readKey(ctx, key); err != nil {
		return Entry{}, err
	} else if ok {
		return entry, nil
	}

	v, err, _ := c.obtain.Do(key, func() (interface{}, error) {
		// re-check: another caller may have completed the write between
		// our miss above and acquiring the singleflight slot.
		if entry, ok, err := c.readKey(ctx, key); err == nil && ok {
			return entry, nil
		}

		entry, err := compute()
		if err != nil {
			return Entry{}, err
		}
		if werr := c.writeKey(ctx, key, entry, true); werr != nil {
			return Entry{}, werr
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// WriteFile writes data at relPath under destRoot, atomically.
func (c *Cache) WriteFile(relPath string, data []byte) error {
	return atomicWrite(filepath.Join(c.destRoot, relPath), data)
}

// RemoveAll clears destRoot except for the entries named in keep (paths
// relative to destRoot).
func (c *Cache) RemoveAll(keep ...string) error {
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		kept[filepath.Clean(k)] = true
	}

	entries, err := os.ReadDir(c.destRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if kept[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.destRoot, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// SweepTemp removes atomicWrite's ".tmp-*" leftovers under both roots that
// are older than maxAge, the trace of a writer killed between creating its
// temp file and renaming it into place. It is the janitor's unit of work,
// run periodically rather than on every write since a live writer's own
// temp file would otherwise race the sweep.
func (c *Cache) SweepTemp(maxAge time.Duration) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, root := range []string{c.cacheRoot, c.destRoot} {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !strings.HasPrefix(d.Name(), ".tmp-") {
				return nil
			}
			info, err := d.Info()
			if err != nil || info.ModTime().After(cutoff) {
				return nil
			}
			if err := os.Remove(path); err == nil {
				removed++
			}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
	}
	return removed, nil
}

func (c *Cache) codePath(key string) string {
	return filepath.Join(c.cacheRoot, shard(key), key+".code")
}

func (c *Cache) mapPath(key string) string {
	return filepath.Join(c.cacheRoot, shard(key), key+".map")
}

func shard(key string) string {
	if len(key) < 4 {
		return filepath.Join("xx", "xx")
	}
	return filepath.Join(key[:2], key[2:4])
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// stripSourcesContent removes the sourcesContent field from a V3 source
// map before it hits disk, bounding the cache's footprint: sourcesContent
// duplicates every source file's full text inline and is only useful to a
// browser devtools pane, not to Porter itself.
func stripSourcesContent(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if _, ok := m["sourcesContent"]; !ok {
		return raw
	}
	delete(m, "sourcesContent")
	stripped, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return stripped
}
