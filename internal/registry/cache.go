package registry

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cacheBucket = []byte("registry")

const cacheKey = "models.dev"

// Cache is a bbolt-backed store for the fetched models document. A
// stale entry is kept around so the registry can serve it when a
// refetch fails.
type Cache struct {
	db *bolt.DB
}

type cacheEntry struct {
	FetchedAt int64           `json:"fetchedAt"`
	Body      json.RawMessage `json:"body"`
}

// OpenCache opens (or creates) the cache file.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying bbolt file.
func (c *Cache) Close() error { return c.db.Close() }

// Load returns the cached document and its age, or nil when the cache
// is empty.
func (c *Cache) Load(now time.Time) (body []byte, age time.Duration, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(cacheBucket).Get([]byte(cacheKey))
		if raw == nil {
			return nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// A corrupt entry reads as a miss and gets overwritten on
			// the next successful fetch.
			return nil
		}
		body = entry.Body
		age = now.Sub(time.UnixMilli(entry.FetchedAt))
		return nil
	})
	return body, age, err
}

// Store replaces the cached document.
func (c *Cache) Store(body []byte, now time.Time) error {
	raw, err := json.Marshal(cacheEntry{FetchedAt: now.UnixMilli(), Body: body})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(cacheKey), raw)
	})
}
