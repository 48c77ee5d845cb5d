// Package resolver turns abstract download references into directly
// fetchable URLs. Handlers register per URL scheme; registration is
// validated so an unknown or duplicate scheme fails loudly instead of
// silently shadowing another handler.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Resolver maps one reference to the ordered candidate URLs it can be
// fetched from.
type Resolver interface {
	Schemes() []string
	Resolve(ctx context.Context, rawURL string) ([]string, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Resolver)}
}

// DefaultRegistry carries the plain HTTP passthrough; protocol-specific
// resolvers are registered by the caller.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(&HTTP{})
	return r
}

func (r *Registry) Register(res Resolver) error {
	schemes := res.Schemes()
	if len(schemes) == 0 {
		return fmt.Errorf("resolver %T declares no schemes", res)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range schemes {
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		if scheme == "" {
			return fmt.Errorf("resolver %T declares an empty scheme", res)
		}
		if _, exists := r.handlers[scheme]; exists {
			return fmt.Errorf("scheme %q already registered", scheme)
		}
		r.handlers[scheme] = res
	}
	return nil
}

// Resolve dispatches on the URL scheme. Unknown schemes are an invalid
// request, not a transfer failure.
func (r *Registry) Resolve(ctx context.Context, rawURL string) ([]string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unparseable URL %q: %v", rawURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	r.mu.RLock()
	handler, exists := r.handlers[scheme]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no resolver registered for scheme %q", scheme)
	}
	return handler.Resolve(ctx, rawURL)
}
