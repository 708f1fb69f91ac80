package credentials

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolvesAndStampsHeaders(t *testing.T) {
	r := NewStatic(map[string]StaticEntry{
		"openai": {Header: "Authorization", Prefix: "Bearer ", Key: "sk-test"},
		"anthropic": {
			Header:  "x-api-key",
			Key:     "ak-test",
			BaseURL: "https://gateway.internal/anthropic",
			Extra:   map[string]string{"anthropic-version": "2023-06-01"},
		},
	})

	cred, err := r.ForProvider(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.internal/anthropic", cred.BaseURL)

	req, _ := http.NewRequest(http.MethodPost, "https://example.test", nil)
	cred.Apply(req)
	assert.Equal(t, "ak-test", req.Header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.Header.Get("anthropic-version"))

	cred, err = r.ForProvider(context.Background(), "openai")
	require.NoError(t, err)
	cred.Apply(req)
	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
}

func TestStaticUnknownProvider(t *testing.T) {
	r := NewStatic(nil)
	_, err := r.ForProvider(context.Background(), "mystery")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "mystery", notFound.Provider)
}

func TestChainFallsThroughNotFound(t *testing.T) {
	first := NewStatic(map[string]StaticEntry{"openai": {Header: "Authorization", Key: "a"}})
	second := NewStatic(map[string]StaticEntry{"anthropic": {Header: "x-api-key", Key: "b"}})
	chain := Chain{first, second}

	cred, err := chain.ForProvider(context.Background(), "anthropic")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, "https://example.test", nil)
	cred.Apply(req)
	assert.Equal(t, "b", req.Header.Get("x-api-key"))

	_, err = chain.ForProvider(context.Background(), "cohere")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

type blockingResolver struct {
	calls   atomic.Int64
	release chan struct{}
}

func (b *blockingResolver) ForProvider(ctx context.Context, providerID string) (*Credential, error) {
	b.calls.Add(1)
	<-b.release
	return &Credential{Apply: func(*http.Request) {}}, nil
}

func TestSerializedCollapsesConcurrentLookups(t *testing.T) {
	inner := &blockingResolver{release: make(chan struct{})}
	r := Serialized(inner)

	var wg sync.WaitGroup
	lookup := func() {
		defer wg.Done()
		cred, err := r.ForProvider(context.Background(), "openai")
		assert.NoError(t, err)
		assert.NotNil(t, cred)
	}

	wg.Add(1)
	go lookup()
	// Wait for the first lookup to reach the resolver, then pile more
	// callers onto the in-flight call before releasing it.
	for inner.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	for range 4 {
		wg.Add(1)
		go lookup()
	}
	time.Sleep(50 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int64(1), inner.calls.Load(), "concurrent lookups must share one upstream call")
}
