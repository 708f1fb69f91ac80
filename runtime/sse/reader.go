// Package sse parses Server-Sent-Events response bodies into JSON payloads.
// The reader tolerates corruption: a frame that fails JSON decoding is
// skipped with a diagnostic and the stream continues, because upstream
// gateways have been observed concatenating frames without separators and a
// single bad frame must not lose the accumulated step.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

type (
	// Reader assembles SSE frames from a response body and yields their
	// JSON payloads one at a time. Not safe for concurrent Next calls.
	Reader struct {
		body io.ReadCloser
		opts Options

		buf       bytes.Buffer
		chunks    chan readResult
		closed    chan struct{}
		closeOnce sync.Once
		start     time.Time
		eof       bool
	}

	// Options configures the reader.
	Options struct {
		// ChunkTimeout bounds how long the reader may block between frames.
		ChunkTimeout time.Duration
		// StepTimeout bounds the total lifetime of the stream.
		StepTimeout time.Duration
		// OnSkip is invoked with the first 200 bytes of a payload that
		// failed JSON decoding. May be nil.
		OnSkip func(payload []byte)
	}

	// TimeoutError reports that the stream made no progress within a
	// deadline.
	TimeoutError struct {
		// Phase is "chunk" or "step".
		Phase string
		// Limit is the deadline that expired.
		Limit time.Duration
	}

	readResult struct {
		data []byte
		err  error
	}
)

// Timeout defaults, in line with the engine's step budget.
const (
	DefaultChunkTimeout = 2 * time.Minute
	DefaultStepTimeout  = 10 * time.Minute
)

// skipPreview bounds how much of a malformed payload is surfaced in
// diagnostics.
const skipPreview = 200

// done is the OpenAI-style end-of-stream sentinel.
var done = []byte("[DONE]")

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sse: no progress within %s %s timeout", e.Limit, e.Phase)
}

// NewReader constructs a Reader over the given body. The reader owns the
// body and closes it on Close.
func NewReader(body io.ReadCloser, opts Options) *Reader {
	if opts.ChunkTimeout <= 0 {
		opts.ChunkTimeout = DefaultChunkTimeout
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	r := &Reader{
		body:   body,
		opts:   opts,
		chunks: make(chan readResult, 1),
		closed: make(chan struct{}),
		start:  time.Now(),
	}
	go r.pump()
	return r
}

// Next returns the next well-formed JSON payload. It skips malformed frames,
// returns io.EOF on the [DONE] sentinel or connection close, and a
// *TimeoutError when no frame arrives within the configured deadlines.
func (r *Reader) Next() (json.RawMessage, error) {
	chunkTimer := time.NewTimer(r.opts.ChunkTimeout)
	defer chunkTimer.Stop()
	stepDeadline := r.start.Add(r.opts.StepTimeout)

	for {
		if payload, ok := r.nextFromBuffer(); ok {
			return payload, nil
		}
		if r.eof {
			return nil, io.EOF
		}
		stepLeft := time.Until(stepDeadline)
		if stepLeft <= 0 {
			return nil, &TimeoutError{Phase: "step", Limit: r.opts.StepTimeout}
		}
		stepTimer := time.NewTimer(stepLeft)
		select {
		case res, ok := <-r.chunks:
			stepTimer.Stop()
			if !ok || res.err != nil {
				// Connection close ends the stream; flush whatever remains.
				r.eof = true
				continue
			}
			r.buf.Write(res.data)
			if !chunkTimer.Stop() {
				<-chunkTimer.C
			}
			chunkTimer.Reset(r.opts.ChunkTimeout)
		case <-chunkTimer.C:
			stepTimer.Stop()
			return nil, &TimeoutError{Phase: "chunk", Limit: r.opts.ChunkTimeout}
		case <-stepTimer.C:
			return nil, &TimeoutError{Phase: "step", Limit: r.opts.StepTimeout}
		}
	}
}

// Close releases the underlying body. Safe to call concurrently with Next;
// a blocked read unblocks with an error.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return r.body.Close()
}

func (r *Reader) pump() {
	defer close(r.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := r.body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case r.chunks <- readResult{data: data}:
			case <-r.closed:
				return
			}
		}
		if err != nil {
			select {
			case r.chunks <- readResult{err: err}:
			case <-r.closed:
			}
			return
		}
	}
}

// nextFromBuffer extracts complete event blocks from the accumulated buffer.
// On EOF the trailing partial block is treated as a final event.
func (r *Reader) nextFromBuffer() (json.RawMessage, bool) {
	for {
		block, ok := r.cutBlock()
		if !ok {
			return nil, false
		}
		payload := extractData(block)
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(bytes.TrimSpace(payload), done) {
			r.eof = true
			return nil, false
		}
		if !json.Valid(payload) {
			r.skip(payload)
			continue
		}
		return json.RawMessage(payload), true
	}
}

func (r *Reader) cutBlock() ([]byte, bool) {
	data := r.buf.Bytes()
	idx := bytes.Index(data, []byte("\n\n"))
	width := 2
	if crlf := bytes.Index(data, []byte("\r\n\r\n")); crlf >= 0 && (idx < 0 || crlf < idx) {
		idx, width = crlf, 4
	}
	if idx < 0 {
		if r.eof && len(bytes.TrimSpace(data)) > 0 {
			block := append([]byte(nil), data...)
			r.buf.Reset()
			return block, true
		}
		return nil, false
	}
	block := append([]byte(nil), data[:idx]...)
	r.buf.Next(idx + width)
	return block, true
}

// extractData concatenates the data: line contents of an event block per the
// SSE specification. Other fields (event:, id:, retry:, comments) are
// ignored.
func extractData(block []byte) []byte {
	var out []byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimPrefix(rest, []byte(" "))
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, rest...)
	}
	return out
}

func (r *Reader) skip(payload []byte) {
	if r.opts.OnSkip == nil {
		return
	}
	preview := payload
	if len(preview) > skipPreview {
		preview = preview[:skipPreview]
	}
	r.opts.OnSkip(preview)
}
