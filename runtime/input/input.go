// Package input turns stdin into a stream of prompts. Interactive use pastes
// multi-line text, which arrives as a burst of separate lines; the queue
// coalesces lines that arrive within a short window into a single prompt so
// pasted content is not split into one turn per line.
package input

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

type (
	// Queue reads prompts from a reader, one per emitted Prompt.
	Queue struct {
		scanner *bufio.Scanner
		opts    Options
		lines   chan string
		readErr error
		done    chan struct{}
	}

	// Options configures queue behavior.
	Options struct {
		// CoalesceWindow is how long the queue waits for a follow-up line
		// before emitting the buffered prompt. Zero uses the default;
		// negative disables coalescing (literal mode, one prompt per line).
		CoalesceWindow time.Duration
	}

	// Prompt is one user turn.
	Prompt struct {
		// Message is the prompt text.
		Message string
	}

	// line is the wire form accepted on stdin; plain text lines are also
	// accepted and treated as the message body.
	line struct {
		Message string `json:"message"`
	}
)

// DefaultCoalesceWindow is the burst window for interactive paste detection.
const DefaultCoalesceWindow = 50 * time.Millisecond

// MaxLineBytes bounds a single stdin line.
const MaxLineBytes = 10 << 20

// New constructs a Queue over r. Reading starts immediately in a background
// goroutine so Next observes EOF even while coalescing.
func New(r io.Reader, opts Options) *Queue {
	if opts.CoalesceWindow == 0 {
		opts.CoalesceWindow = DefaultCoalesceWindow
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), MaxLineBytes)
	q := &Queue{
		scanner: sc,
		opts:    opts,
		lines:   make(chan string),
		done:    make(chan struct{}),
	}
	go q.read()
	return q
}

// Next blocks until a prompt is available, the input is exhausted (io.EOF) or
// ctx is cancelled. Blank lines never produce prompts.
func (q *Queue) Next(ctx context.Context) (*Prompt, error) {
	first, err := q.nextLine(ctx)
	if err != nil {
		return nil, err
	}
	parts := []string{first}

	if q.opts.CoalesceWindow > 0 {
		timer := time.NewTimer(q.opts.CoalesceWindow)
		defer timer.Stop()
	coalesce:
		for {
			select {
			case l, ok := <-q.lines:
				if !ok {
					break coalesce
				}
				if text, keep := parseLine(l); keep {
					parts = append(parts, text)
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(q.opts.CoalesceWindow)
			case <-timer.C:
				break coalesce
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return &Prompt{Message: strings.Join(parts, "\n")}, nil
}

// nextLine returns the next non-blank message body.
func (q *Queue) nextLine(ctx context.Context) (string, error) {
	for {
		select {
		case l, ok := <-q.lines:
			if !ok {
				if q.readErr != nil {
					return "", q.readErr
				}
				return "", io.EOF
			}
			if text, keep := parseLine(l); keep {
				return text, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *Queue) read() {
	defer close(q.lines)
	for q.scanner.Scan() {
		select {
		case q.lines <- q.scanner.Text():
		case <-q.done:
			return
		}
	}
	q.readErr = q.scanner.Err()
}

// Close stops the background reader. It does not close the underlying reader;
// the caller owns stdin.
func (q *Queue) Close() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// parseLine interprets one stdin line. JSON objects contribute their message
// field; anything else is taken verbatim. Blank results are dropped.
func parseLine(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if strings.HasPrefix(trimmed, "{") {
		var l line
		if err := json.Unmarshal([]byte(trimmed), &l); err == nil {
			if l.Message == "" {
				return "", false
			}
			return l.Message, true
		}
		// Not valid JSON after all; treat as plain text.
	}
	return raw, true
}
