package marketdata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"sync"
)

// ResponseCache stores raw response bodies by request key.
type ResponseCache interface {
	GetResponse(key string) ([]byte, bool, error)
	PutResponse(key string, body []byte) error
}

// CacheKey derives a stable key from the URL and query parameters. The API
// key is never part of the key.
func CacheKey(rawURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "apiKey" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stable := make([][2]string, 0, len(keys))
	for _, k := range keys {
		stable = append(stable, [2]string{k, params.Get(k)})
	}
	payload, _ := json.Marshal(struct {
		URL    string      `json:"url"`
		Params [][2]string `json:"params"`
	}{rawURL, stable})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MemoryCache is a process-local ResponseCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

func (c *MemoryCache) GetResponse(key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	body, ok := c.entries[key]
	return body, ok, nil
}

func (c *MemoryCache) PutResponse(key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), body...)
	return nil
}

// Len returns the number of cached responses.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
