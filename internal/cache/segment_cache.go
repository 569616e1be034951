package cache

import (
	"dashabr/internal/logger"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SegmentCache holds initialization segments so each representation's init
// segment is fetched once per session. The least recently used entry is
// evicted once the cache is full.
type SegmentCache struct {
	cache  *lru.Cache[string, []byte]
	logger logger.Logger
}

// New creates and returns a new SegmentCache holding at most size segments.
func New(log logger.Logger, size int) (*SegmentCache, error) {
	sc := &SegmentCache{logger: log}
	c, err := lru.NewWithEvict[string, []byte](size, sc.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment cache of size %d: %w", size, err)
	}
	sc.cache = c
	return sc, nil
}

// Key builds the cache key for a representation's init segment.
func Key(streamID, repID string) string {
	return fmt.Sprintf("%s/%s/init", streamID, repID)
}

// Set adds a segment to the cache.
func (sc *SegmentCache) Set(key string, data []byte) {
	sc.cache.Add(key, data)
	sc.logger.Debugf("Cached segment: %s, size: %d bytes", key, len(data))
}

// Get retrieves a segment from the cache.
func (sc *SegmentCache) Get(key string) ([]byte, bool) {
	return sc.cache.Get(key)
}

// Contains reports whether key is cached without touching its recency.
func (sc *SegmentCache) Contains(key string) bool {
	return sc.cache.Contains(key)
}

// Len returns the number of cached segments.
func (sc *SegmentCache) Len() int {
	return sc.cache.Len()
}

// Purge empties the cache.
func (sc *SegmentCache) Purge() {
	sc.cache.Purge()
}

func (sc *SegmentCache) onEvict(key string, data []byte) {
	sc.logger.Debugf("Evicted segment %s (%d bytes)", key, len(data))
}
