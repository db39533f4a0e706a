package store

import "sync"

// AvatarCache remembers resolved contact avatars and the phones already looked up.
// It lives as long as the active workspace and is cleared by Store.Reset.
type AvatarCache struct {
	mu      sync.Mutex
	urls    map[string]string
	checked map[string]struct{}
}

// NewAvatarCache creates an empty avatar cache
func NewAvatarCache() *AvatarCache {
	return &AvatarCache{
		urls:    make(map[string]string),
		checked: make(map[string]struct{}),
	}
}

// Lookup returns the cached avatar URL for a phone
func (c *AvatarCache) Lookup(phone string) (string, bool) {
	if phone == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	url, ok := c.urls[phone]
	return url, ok
}

// Remember caches a resolved avatar URL
func (c *AvatarCache) Remember(phone, url string) {
	if phone == "" || url == "" {
		return
	}
	c.mu.Lock()
	c.urls[phone] = url
	c.checked[phone] = struct{}{}
	c.mu.Unlock()
}

// MarkChecked records a lookup attempt. It returns false when the phone was already checked.
func (c *AvatarCache) MarkChecked(phone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checked[phone]; ok {
		return false
	}
	c.checked[phone] = struct{}{}
	return true
}

// Checked reports whether a lookup was already attempted for phone
func (c *AvatarCache) Checked(phone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.checked[phone]
	return ok
}

// Clear drops every cached entry
func (c *AvatarCache) Clear() {
	c.mu.Lock()
	c.urls = make(map[string]string)
	c.checked = make(map[string]struct{})
	c.mu.Unlock()
}

// Len returns the number of resolved avatars
func (c *AvatarCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.urls)
}
