package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/sidekick/runtime/telemetry"
)

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration, _ <-chan struct{}, _ time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func newTestTransport(client Doer, opts Options) (*Transport, *sleepRecorder) {
	rec := &sleepRecorder{}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Millisecond
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = time.Millisecond
	}
	tr := New(client, opts, nil)
	tr.sleep = rec.sleep
	return tr, rec
}

func TestRetryAfterIsHonored(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	tr, rec := newTestTransport(srv.Client(), Options{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 2, calls)

	require.Len(t, rec.delays, 1)
	assert.GreaterOrEqual(t, rec.delays[0], 2*time.Second)
}

func TestRetryAfterBeyondBudgetFailsWithoutSleeping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, rec := newTestTransport(srv.Client(), Options{RetryBudget: time.Minute})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = tr.Do(req)
	var exhausted *BudgetExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Empty(t, rec.delays, "must not sleep when the wait would overrun the budget")
}

func TestNonRetryableStatusReturnsImmediately(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error"}}`)
		}))

		tr, rec := newTestTransport(srv.Client(), Options{})
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)

		resp, err := tr.Do(req)
		require.NoError(t, err)
		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.delays)

		// Body must still be fully readable after the rate-limit peek.
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "invalid_request_error")
		resp.Body.Close()
		srv.Close()
	}
}

func TestBodyLevelRateLimitSignalRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	tr, rec := newTestTransport(srv.Client(), Options{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.delays, 1)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	tr, rec := newTestTransport(srv.Client(), Options{})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)
}

func TestNetworkErrorsAreRetriedAndBodyRewound(t *testing.T) {
	var calls int
	var bodies []string
	client := doerFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if req.Body != nil {
			b, _ := io.ReadAll(req.Body)
			bodies = append(bodies, string(b))
		}
		if calls == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
		}, nil
	})

	tr, rec := newTestTransport(client, Options{})
	req, err := http.NewRequest(http.MethodPost, "http://provider.test/v1", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)

	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.delays, 1)
	require.Len(t, bodies, 2)
	assert.Equal(t, bodies[0], bodies[1], "retried request must resend the full body")
}

type counterRecorder struct {
	mu     sync.Mutex
	counts map[string]float64
}

func (c *counterRecorder) IncCounter(name string, value float64, _ ...string) {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[string]float64)
	}
	c.counts[name] += value
	c.mu.Unlock()
}

func (c *counterRecorder) RecordTimer(string, time.Duration, ...string) {}

func (c *counterRecorder) count(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func TestFirstRetryIsNotPaced(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	rec := &sleepRecorder{}
	tr := New(srv.Client(), Options{BaseBackoff: time.Millisecond, MinInterval: time.Hour}, nil)
	tr.sleep = rec.sleep

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, rec.delays, 2)
	assert.Less(t, rec.delays[0], time.Minute, "first retry waits for backoff only")
	assert.GreaterOrEqual(t, rec.delays[1], time.Hour, "later retries honor the minimum interval")
}

func TestRetriesAreCounted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	rec := &counterRecorder{}
	tr, _ := newTestTransport(srv.Client(), Options{Metrics: rec})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := tr.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, float64(2), rec.count(telemetry.MetricRetries))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	tr := New(nil, Options{BaseBackoff: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.0001}, nil)
	b0 := tr.backoff(0)
	b2 := tr.backoff(2)
	b10 := tr.backoff(10)
	assert.Less(t, b0, b2)
	assert.LessOrEqual(t, b10, 5*time.Second+time.Millisecond)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Second, parseRetryAfter("2", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))

	at := now.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, parseRetryAfter(at.Format(http.TimeFormat), now))
}
