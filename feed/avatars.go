package feed

import "sync"

// AvatarCache holds the avatar URL for every team member the poller has
// resolved so far. Entries are merged in, never evicted; the user lookup
// layer already bounds how often they are re-fetched.
type AvatarCache struct {
	mu   sync.RWMutex
	urls map[string]string
}

func NewAvatarCache() *AvatarCache {
	return &AvatarCache{urls: make(map[string]string)}
}

// Avatar implements AvatarSource.
func (c *AvatarCache) Avatar(username string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	url, ok := c.urls[username]
	return url, ok
}

// Update merges freshly resolved avatar URLs into the cache.
func (c *AvatarCache) Update(urls map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for username, url := range urls {
		c.urls[username] = url
	}
}
