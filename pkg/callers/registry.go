// Package callers caches the caller address of each call for the lifetime of
// the process. Entries are inserted once and never evicted.
package callers

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

var ErrNoResolver = errors.New("callers: no resolver configured")

// Resolver fetches the caller address from the telephony platform.
type Resolver interface {
	ResolveCallerAddress(ctx context.Context, callID string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, callID string) (string, error)

func (f ResolverFunc) ResolveCallerAddress(ctx context.Context, callID string) (string, error) {
	return f(ctx, callID)
}

type Registry struct {
	resolver Resolver

	mu      sync.RWMutex
	entries map[string]string
}

func NewRegistry(resolver Resolver) *Registry {
	return &Registry{resolver: resolver, entries: make(map[string]string)}
}

// Lookup returns the cached address for callID, resolving it on a miss.
// Concurrent misses may both resolve; the first insert wins.
func (r *Registry) Lookup(ctx context.Context, callID string) (string, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return "", errorsx.Wrap(errors.New("callers: empty call id"), errorsx.ReasonCallerResolve)
	}
	r.mu.RLock()
	addr, ok := r.entries[callID]
	r.mu.RUnlock()
	if ok {
		return addr, nil
	}
	if r.resolver == nil {
		return "", errorsx.Wrap(ErrNoResolver, errorsx.ReasonCallerResolve)
	}
	addr, err := r.resolver.ResolveCallerAddress(ctx, callID)
	if err != nil {
		return "", errorsx.Wrapf(errorsx.ReasonCallerResolve, "resolve caller for %s: %w", callID, err)
	}
	if strings.TrimSpace(addr) == "" {
		return "", errorsx.Wrapf(errorsx.ReasonCallerResolve, "resolve caller for %s: empty address", callID)
	}
	return r.insert(callID, addr), nil
}

// Put seeds the cache when the address is already known, e.g. from the
// voice webhook. An existing entry is kept.
func (r *Registry) Put(callID, addr string) {
	callID = strings.TrimSpace(callID)
	addr = strings.TrimSpace(addr)
	if callID == "" || addr == "" {
		return
	}
	r.insert(callID, addr)
}

func (r *Registry) insert(callID, addr string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[callID]; ok {
		return existing
	}
	r.entries[callID] = addr
	return addr
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
