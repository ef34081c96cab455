package geotiff

import (
	"io"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// DirectoryCache keeps parsed directories keyed by source identity (a URL or
// path). A Directory is read-only once parsed, so a cached value can be
// shared by concurrent requests.
type DirectoryCache struct {
	cache *ccache.Cache[*Directory]
	ttl   time.Duration

	// inflight ensures that for a given source, only one goroutine parses the
	// directory while concurrent callers wait for the result.
	inflight singleflight.Group
}

// NewDirectoryCache returns a cache holding at most maxSize directories.
func NewDirectoryCache(maxSize int64, itemsToPrune uint32, ttl time.Duration) *DirectoryCache {
	return &DirectoryCache{
		cache: ccache.New(ccache.Configure[*Directory]().MaxSize(maxSize).ItemsToPrune(itemsToPrune)),
		ttl:   ttl,
	}
}

// Get returns the cached directory for key, parsing it from r on a miss.
func (c *DirectoryCache) Get(key string, r io.ReaderAt) (*Directory, error) {
	item := c.cache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		// Another caller may have filled the entry between the lookup and Do.
		if item := c.cache.Get(key); item != nil && !item.Expired() {
			return item.Value(), nil
		}
		d, err := ReadDirectory(r)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, d, c.ttl)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Directory), nil
}

// Forget drops key from the cache, for instance after the source changed.
func (c *DirectoryCache) Forget(key string) {
	c.cache.Delete(key)
}

// Stop releases the cache's background worker.
func (c *DirectoryCache) Stop() {
	c.cache.Stop()
}
