// Package publisher delivers composed posts to external channels.
package publisher

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// Publisher sends a post to one account.
type Publisher interface {
	// Name returns the publisher type, e.g. "bluesky".
	Name() string

	// Publish delivers a post. There is no partial success: either the post
	// was accepted or an error is returned.
	Publish(ctx context.Context, post model.Post) error
}

// Registry maps account names to publishers.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Publisher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[string]Publisher),
	}
}

// Register binds an account name to a publisher.
func (r *Registry) Register(account string, p Publisher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.accounts[account]; exists {
		return fmt.Errorf("account %q already registered", account)
	}
	r.accounts[account] = p
	return nil
}

// Get returns the publisher for an account.
func (r *Registry) Get(account string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.accounts[account]
	if !ok {
		return nil, fmt.Errorf("account %q not found", account)
	}
	return p, nil
}

// List returns all registered account names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Close releases publishers that hold connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for name, p := range r.accounts {
		c, ok := p.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
	}
	return first
}
