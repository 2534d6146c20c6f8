package staticfile

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// cacheEntry is a cached os.Stat result plus a derived ETag, keyed by
// absolute on-disk path. Every access still stats the file to revalidate
// the entry (see hotCache), so the cache saves rebuilding the entry and its
// ETag, not the stat call itself.
type cacheEntry struct {
	path    string
	isDir   bool
	size    int64
	modTime time.Time
	etag    string
	cachedAt time.Time
}

// hotCache is a small stat-result cache with a fixed capacity and TTL-free
// invalidation: entries are revalidated against the filesystem's mtime on
// every access rather than expired on a timer, so a file edited on disk is
// picked up on its very next request.
type hotCache struct {
	mu       sync.Mutex
	entries  map[string]*cacheEntry
	capacity int
	order    []string // crude FIFO eviction order
}

func newHotCache(capacity int) *hotCache {
	return &hotCache{entries: make(map[string]*cacheEntry), capacity: capacity}
}

func (c *hotCache) get(path string) (*cacheEntry, error) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		c.mu.Unlock()
		fi, err := os.Stat(path)
		if err != nil {
			c.evict(path)
			return nil, err
		}
		if fi.ModTime().Equal(e.modTime) && fi.Size() == e.size {
			return e, nil
		}
		// file changed since cached; fall through to re-stat and rebuild
	} else {
		c.mu.Unlock()
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	entry := &cacheEntry{
		path:     path,
		isDir:    fi.IsDir(),
		size:     fi.Size(),
		modTime:  fi.ModTime(),
		cachedAt: time.Now(),
	}
	if !entry.isDir {
		entry.etag = fmt.Sprintf(`"%x-%x"`, fi.ModTime().UnixNano(), fi.Size())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[path]; !exists {
		if c.capacity > 0 && len(c.order) >= c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, path)
	}
	c.entries[path] = entry
	return entry, nil
}

func (c *hotCache) evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
	for i, p := range c.order {
		if p == path {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
