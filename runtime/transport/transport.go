// Package transport wraps an HTTP client with the engine's recovery policy:
// rate-limit handling that honors Retry-After, exponential backoff on network
// faults, and a wall-clock retry budget instead of an attempt count. Retry
// sleeps are deliberately isolated from per-request deadlines; they respect
// only the user interrupt and the budget clock.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/sidekick/runtime/events"
	"goa.design/sidekick/runtime/telemetry"
)

type (
	// Transport retries recoverable HTTP failures within a wall-clock
	// budget. Safe for concurrent use; the retry loop is serialized per
	// request while the minimum-interval pacer is shared across requests.
	Transport struct {
		client Doer
		opts   Options
		pacer  *rate.Limiter
		bus    *events.Bus

		// test seams
		now   func() time.Time
		sleep func(d time.Duration, interrupt <-chan struct{}, budgetLeft time.Duration) error
	}

	// Doer is the subset of *http.Client the transport needs.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Options configures the retry policy. Zero fields use the defaults.
	Options struct {
		// RetryBudget is the wall-clock maximum for one logical request,
		// including all retries and waits.
		RetryBudget time.Duration
		// MaxDelay caps a single backoff or Retry-After wait.
		MaxDelay time.Duration
		// MinInterval is the minimum spacing between retry attempts,
		// enforced across concurrent requests. The pacer starts with one
		// token available, so the first retry waits only for backoff and
		// Retry-After; MinInterval spaces the retries after it.
		MinInterval time.Duration
		// BaseBackoff is the first exponential backoff step.
		BaseBackoff time.Duration
		// Jitter adds up to the given fraction of randomness to backoff.
		Jitter float64
		// Interrupt aborts in-progress retry sleeps when closed (user
		// SIGINT). Per-request deadlines never abort a sleep.
		Interrupt <-chan struct{}
		// Metrics counts retries. Nil means no-op.
		Metrics telemetry.Metrics
	}

	// BudgetExhaustedError reports that the retry budget elapsed (or the
	// next wait would overrun it) before the request succeeded.
	BudgetExhaustedError struct {
		// Budget is the configured wall-clock budget.
		Budget time.Duration
		// Elapsed is the time spent when the budget check failed.
		Elapsed time.Duration
		// LastErr is the most recent failure, when any.
		LastErr error
	}
)

// Policy defaults.
const (
	DefaultRetryBudget = 7 * 24 * time.Hour
	DefaultMaxDelay    = 20 * time.Minute
	DefaultMinInterval = 30 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultJitter      = 0.1
)

// ErrInterrupted is returned when the user interrupt fires during a retry
// wait.
var ErrInterrupted = errors.New("transport: interrupted during retry wait")

// Error implements the error interface.
func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("transport: retry budget exhausted after %s of %s: %v", e.Elapsed, e.Budget, e.LastErr)
}

// Unwrap returns the last underlying failure.
func (e *BudgetExhaustedError) Unwrap() error { return e.LastErr }

// New constructs a Transport around the given client. bus receives retry
// diagnostics and may be nil.
func New(client Doer, opts Options, bus *events.Bus) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = DefaultRetryBudget
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.Jitter <= 0 {
		opts.Jitter = DefaultJitter
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NoopMetrics{}
	}
	return &Transport{
		client: client,
		opts:   opts,
		pacer:  rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		bus:    bus,
		now:    time.Now,
		sleep:  sleepInterruptible,
	}
}

// Do sends the request, retrying rate limits and transient network failures
// until success, a non-retryable response, or budget exhaustion. Requests
// with a body must carry GetBody (true for requests built via
// http.NewRequest with a byte or string reader). On HTTP 2xx the streaming
// body belongs to the caller.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	start := t.now()
	ctx := req.Context()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			var err error
			req, err = rewind(req)
			if err != nil {
				return nil, err
			}
		}
		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Network-level failure: connection reset, DNS, TLS.
			lastErr = err
			if waitErr := t.wait(req, attempt, 0, start, lastErr); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), t.now())
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			drain(resp)
			if waitErr := t.wait(req, attempt, retryAfter, start, lastErr); waitErr != nil {
				return nil, waitErr
			}
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
			lastErr = fmt.Errorf("http %d", resp.StatusCode)
			drain(resp)
			if waitErr := t.wait(req, attempt, 0, start, lastErr); waitErr != nil {
				return nil, waitErr
			}
		default:
			// Some gateways report throttling with a non-429 status and a
			// rate_limit code in the body.
			if limited, restored := bodyRateLimited(resp); limited {
				lastErr = fmt.Errorf("http %d: body rate_limit signal", resp.StatusCode)
				drain(restored)
				if waitErr := t.wait(req, attempt, 0, start, lastErr); waitErr != nil {
					return nil, waitErr
				}
				continue
			} else {
				return restored, nil
			}
		}
	}
}

// wait computes the next delay, verifies the budget, and sleeps. The sleep
// ignores the request context by design: a rate-limit wait is aborted only by
// the user interrupt or the budget deadline.
func (t *Transport) wait(req *http.Request, attempt int, retryAfter time.Duration, start time.Time, cause error) error {
	backoff := t.backoff(attempt)
	pacer := t.pacer.Reserve().Delay()

	delay := backoff
	if retryAfter > delay {
		delay = retryAfter
	}
	if pacer > delay {
		delay = pacer
	}

	elapsed := t.now().Sub(start)
	remaining := t.opts.RetryBudget - elapsed
	if delay >= remaining {
		return &BudgetExhaustedError{Budget: t.opts.RetryBudget, Elapsed: elapsed, LastErr: cause}
	}

	t.opts.Metrics.IncCounter(telemetry.MetricRetries, 1)

	ctx := req.Context()
	log.Warn(ctx,
		log.KV{K: "msg", V: "retrying request"},
		log.KV{K: "url", V: req.URL.Redacted()},
		log.KV{K: "attempt", V: attempt + 1},
		log.KV{K: "cause", V: cause.Error()},
		log.KV{K: "delayMs", V: delay.Milliseconds()},
		log.KV{K: "elapsedMs", V: elapsed.Milliseconds()},
		log.KV{K: "remainingBudgetMs", V: remaining.Milliseconds()},
	)
	if t.bus != nil {
		t.bus.Publish(events.NewDiagnostic("", "transport.retry_wait", "waiting before retry", map[string]any{
			"delayMs":           delay.Milliseconds(),
			"elapsedMs":         elapsed.Milliseconds(),
			"remainingBudgetMs": remaining.Milliseconds(),
			"attempt":           attempt + 1,
		}))
	}
	return t.sleep(delay, t.opts.Interrupt, remaining)
}

func (t *Transport) backoff(attempt int) time.Duration {
	d := float64(t.opts.BaseBackoff) * math.Pow(2, float64(attempt))
	if d > float64(t.opts.MaxDelay) {
		d = float64(t.opts.MaxDelay)
	}
	if t.opts.Jitter > 0 {
		d += d * t.opts.Jitter * rand.Float64() //nolint:gosec // jitter doesn't need crypto rand
	}
	if d > float64(t.opts.MaxDelay) {
		d = float64(t.opts.MaxDelay)
	}
	return time.Duration(d)
}

func sleepInterruptible(d time.Duration, interrupt <-chan struct{}, budgetLeft time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	budget := time.NewTimer(budgetLeft)
	defer budget.Stop()
	select {
	case <-timer.C:
		return nil
	case <-interrupt:
		return ErrInterrupted
	case <-budget.C:
		return &BudgetExhaustedError{Budget: budgetLeft, Elapsed: budgetLeft}
	}
}

// parseRetryAfter interprets the Retry-After header as delay seconds or an
// HTTP-date. Unparseable values report zero and the backoff applies instead.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// bodyRateLimited peeks at a non-2xx response body for a rate_limit error
// code. It returns whether throttling was signaled and a response whose body
// can still be read in full.
func bodyRateLimited(resp *http.Response) (bool, *http.Response) {
	if resp.Body == nil {
		return false, resp
	}
	peek := make([]byte, 4096)
	n, _ := io.ReadFull(resp.Body, peek)
	peek = peek[:n]
	rest := resp.Body
	resp.Body = readCloser{
		Reader: io.MultiReader(bytes.NewReader(peek), rest),
		closer: rest,
	}
	return bytes.Contains(peek, []byte(`rate_limit`)), resp
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error { return rc.closer.Close() }

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("transport: rewind request body: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}
