package nest

import (
	"context"
	"sync"

	"github.com/meigma/nest/internal/native"
)

// passwordCache holds accepted passwords per archive path for the life of
// the process.
type passwordCache struct {
	mu sync.Mutex
	m  map[string]string
}

func (c *passwordCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.m[key]
	return p, ok
}

func (c *passwordCache) set(key, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]string)
	}
	c.m[key] = password
}

func (c *passwordCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.m)
}

// keyring connects one archive to the manager password cache and the
// user facing prompter.
type keyring struct {
	key      string
	cache    *passwordCache
	prompter PasswordPrompter
	notifier Notifier
}

var _ native.Keyring = (*keyring)(nil)

func (k *keyring) Lookup() (string, bool) {
	return k.cache.get(k.key)
}

func (k *keyring) Prompt(ctx context.Context, retry bool) (string, error) {
	if k.prompter == nil {
		return "", ErrPasswordRequired
	}
	if retry && k.notifier != nil {
		k.notifier.Notify("Incorrect password", k.key)
	}
	return k.prompter.PromptPassword(ctx, k.key, retry)
}

func (k *keyring) Remember(password string) {
	k.cache.set(k.key, password)
}
