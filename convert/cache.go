package convert

import (
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// DefaultCacheSize is the number of results kept by NewCache(0).
const DefaultCacheSize = 64

// Cache keeps recent conversion results. Safe for concurrent use.
type Cache struct {
	lru *lru.Cache[string, Result]
}

// NewCache creates a cache of size entries (DefaultCacheSize when <= 0).
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, Result](size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Cache{lru: c}
}

// Key digests kind, the result-relevant options and the PDF bytes.
func Key(kind Kind, options string, pdf []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(options))
	h.Write([]byte{0})
	h.Write(pdf)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key.
func (c *Cache) Get(key string) (Result, bool) {
	if c == nil {
		return Result{}, false
	}
	return c.lru.Get(key)
}

// Add stores res under key.
func (c *Cache) Add(key string, res Result) {
	if c == nil {
		return
	}
	c.lru.Add(key, res)
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	if c != nil {
		c.lru.Purge()
	}
}
