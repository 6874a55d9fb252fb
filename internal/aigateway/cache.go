package aigateway

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// responseCache is a small LRU of completions keyed by prompt hash.
type responseCache struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recent
}

type cacheEntry struct {
	key     string
	text    string
	expires time.Time
}

func newResponseCache(ttl time.Duration, size int) *responseCache {
	if size <= 0 {
		size = 512
	}
	return &responseCache{ttl: ttl, max: size, items: map[string]*list.Element{}, order: list.New()}
}

func promptKey(p Prompt) string {
	h := sha256.New()
	h.Write([]byte(p.System))
	h.Write([]byte{0})
	h.Write([]byte(p.User))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *responseCache) get(key string, now time.Time) (string, bool) {
	if c == nil || c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	e := el.Value.(cacheEntry)
	if !now.Before(e.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return "", false
	}
	c.order.MoveToFront(el)
	return e.text, true
}

func (c *responseCache) put(key, text string, now time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cacheEntry{key: key, text: text, expires: now.Add(c.ttl)}
	if el, ok := c.items[key]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(e)
	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.items, last.Value.(cacheEntry).key)
	}
}
