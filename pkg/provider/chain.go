package provider

import (
	"fmt"
	"sync"
)

// Role is a provider's position in the fallback chain.
type Role string

const (
	RolePrimary  Role = "primary"
	RoleFallback Role = "fallback"
	RoleLocal    Role = "local"
)

// Chain holds the providers behind each role and builds them lazily, so a
// fallback that is never needed never opens a client.
type Chain struct {
	mu sync.RWMutex

	factories map[Role]Factory
	providers map[Role]Provider
}

// NewChain registers the factories for each role. Roles mapped to nil are
// treated as not configured.
func NewChain(factories map[Role]Factory) *Chain {
	registered := make(map[Role]Factory, len(factories))
	for role, factory := range factories {
		if factory != nil {
			registered[role] = factory
		}
	}
	return &Chain{
		factories: registered,
		providers: make(map[Role]Provider),
	}
}

// Configured reports whether role has a factory.
func (c *Chain) Configured(role Role) bool {
	_, ok := c.factories[role]
	return ok
}

// Get returns the provider for role, building it on first use. Factory errors
// are not cached so a fixed configuration can be retried.
func (c *Chain) Get(role Role) (Provider, error) {
	c.mu.RLock()
	if existing := c.providers[role]; existing != nil {
		c.mu.RUnlock()
		return existing, nil
	}
	c.mu.RUnlock()

	factory, ok := c.factories[role]
	if !ok {
		return nil, fmt.Errorf("%s: %w", role, ErrNotConfigured)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", role, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.providers[role]; existing != nil {
		return existing, nil
	}
	c.providers[role] = p
	return p, nil
}

// WarmUp eagerly builds the provider for role.
func (c *Chain) WarmUp(role Role) error {
	_, err := c.Get(role)
	return err
}

// Initialized reports whether the provider for role was already built.
func (c *Chain) Initialized(role Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[role] != nil
}
