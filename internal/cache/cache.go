// Package cache keeps raw record detail responses on disk so repeated
// queries over the same records skip the network.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus"
)

const (
	maxKeySize   = 2048
	maxValueSize = 8 << 20
)

// Cache is a bitcask store keyed by detail URL.
type Cache struct {
	db   *bitcask.Bitcask
	path string
	mu   sync.Mutex
}

// Open opens or creates the cache directory at path.
func Open(path string) (*Cache, error) {
	db, err := bitcask.Open(path,
		bitcask.WithMaxKeySize(maxKeySize),
		bitcask.WithMaxValueSize(maxValueSize),
	)
	if err != nil {
		return nil, fmt.Errorf("opening detail cache %s: %w", path, err)
	}
	log.Debugf("Opened detail cache at %s (%d entries)", path, db.Len())
	return &Cache{db: db, path: path}, nil
}

// Get returns the cached body for url.
func (c *Cache) Get(url string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	val, err := c.db.Get([]byte(url))
	if err != nil {
		if !errors.Is(err, bitcask.ErrKeyNotFound) {
			log.WithError(err).Debugf("Detail cache read failed for %s", url)
		}
		return nil, false
	}
	return val, true
}

// Put stores body under url. Oversized entries are skipped.
func (c *Cache) Put(url string, body []byte) error {
	if c == nil {
		return nil
	}
	if len(url) > maxKeySize || len(body) > maxValueSize {
		log.Debugf("Not caching %s (%d bytes)", url, len(body))
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Put([]byte(url), body)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Len()
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.DeleteAll()
}

func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}
