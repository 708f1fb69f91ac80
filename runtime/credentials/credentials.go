// Package credentials abstracts how per-request authentication reaches
// provider adapters. The engine never sees stored secrets; it asks a
// Resolver for a mutator that stamps headers onto an outgoing request and an
// optional base URL override. Concrete resolvers (static API keys, OAuth
// with background refresh) are external collaborators; this package ships
// the static and composition resolvers the CLI needs.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

type (
	// Resolver supplies per-provider request credentials.
	Resolver interface {
		// ForProvider returns the credential for the given provider, or an
		// error when none is configured. Implementations that refresh
		// tokens must serialize refreshes per provider so exactly one is
		// in flight and every caller observes the refreshed value.
		ForProvider(ctx context.Context, providerID string) (*Credential, error)
	}

	// Credential mutates outgoing requests for one provider.
	Credential struct {
		// Apply stamps authentication headers onto the request.
		Apply func(req *http.Request)
		// BaseURL overrides the provider base URL when non-empty.
		BaseURL string
	}

	// Static resolves credentials from a fixed in-memory table, typically
	// loaded from configuration or the environment.
	Static struct {
		mu      sync.RWMutex
		entries map[string]StaticEntry
	}

	// StaticEntry configures one provider in a Static resolver.
	StaticEntry struct {
		// Header is the header name carrying the key (for example,
		// "Authorization" or "x-api-key").
		Header string
		// Prefix is prepended to the key (for example, "Bearer ").
		Prefix string
		// Key is the secret value.
		Key string
		// BaseURL optionally overrides the provider base URL.
		BaseURL string
		// Extra headers stamped verbatim on every request.
		Extra map[string]string
	}

	// Chain tries resolvers in order and returns the first credential
	// found.
	Chain []Resolver

	// None resolves every provider to an empty credential. Useful for
	// local gateways that require no authentication.
	None struct{}

	// serialized wraps a Resolver so concurrent lookups for the same
	// provider collapse into one upstream call. Refresh-style resolvers get
	// the required single-flight behavior for free: one refresh in flight,
	// all callers observe the result.
	serialized struct {
		next Resolver

		mu       sync.Mutex
		inFlight map[string]*call
	}

	call struct {
		done chan struct{}
		cred *Credential
		err  error
	}
)

// NotFoundError reports that no credential is configured for a provider.
type NotFoundError struct{ Provider string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no credentials configured for provider %q", e.Provider)
}

// NewStatic builds a Static resolver from the given entries.
func NewStatic(entries map[string]StaticEntry) *Static {
	table := make(map[string]StaticEntry, len(entries))
	for k, v := range entries {
		table[k] = v
	}
	return &Static{entries: table}
}

// ForProvider implements Resolver.
func (s *Static) ForProvider(_ context.Context, providerID string) (*Credential, error) {
	s.mu.RLock()
	entry, ok := s.entries[providerID]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Provider: providerID}
	}
	return &Credential{
		BaseURL: entry.BaseURL,
		Apply: func(req *http.Request) {
			if entry.Header != "" && entry.Key != "" {
				req.Header.Set(entry.Header, entry.Prefix+entry.Key)
			}
			for k, v := range entry.Extra {
				req.Header.Set(k, v)
			}
		},
	}, nil
}

// Set adds or replaces the entry for a provider.
func (s *Static) Set(providerID string, entry StaticEntry) {
	s.mu.Lock()
	s.entries[providerID] = entry
	s.mu.Unlock()
}

// ForProvider implements Resolver by consulting each resolver in order.
// A NotFoundError moves on to the next resolver; other errors stop the
// chain.
func (c Chain) ForProvider(ctx context.Context, providerID string) (*Credential, error) {
	for _, r := range c {
		cred, err := r.ForProvider(ctx, providerID)
		if err == nil {
			return cred, nil
		}
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Provider: providerID}
}

// ForProvider implements Resolver.
func (None) ForProvider(context.Context, string) (*Credential, error) {
	return &Credential{Apply: func(*http.Request) {}}, nil
}

// Serialized wraps next so that concurrent ForProvider calls for the same
// provider share a single upstream invocation.
func Serialized(next Resolver) Resolver {
	return &serialized{next: next, inFlight: make(map[string]*call)}
}

// ForProvider implements Resolver.
func (s *serialized) ForProvider(ctx context.Context, providerID string) (*Credential, error) {
	s.mu.Lock()
	if c, ok := s.inFlight[providerID]; ok {
		s.mu.Unlock()
		select {
		case <-c.done:
			return c.cred, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	s.inFlight[providerID] = c
	s.mu.Unlock()

	c.cred, c.err = s.next.ForProvider(ctx, providerID)

	s.mu.Lock()
	delete(s.inFlight, providerID)
	s.mu.Unlock()
	close(c.done)
	return c.cred, c.err
}
