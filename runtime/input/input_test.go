package input

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCoalescesBurstIntoOnePrompt(t *testing.T) {
	q := New(strings.NewReader("first line\nsecond line\nthird line\n"),
		Options{CoalesceWindow: 100 * time.Millisecond})
	defer q.Close()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first line\nsecond line\nthird line", p.Message)

	_, err = q.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestQueueLiteralModeOnePromptPerLine(t *testing.T) {
	q := New(strings.NewReader("one\ntwo\n"), Options{CoalesceWindow: -1})
	defer q.Close()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", p.Message)

	p, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "two", p.Message)

	_, err = q.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestQueueParsesJSONMessages(t *testing.T) {
	q := New(strings.NewReader(`{"message":"hello from json"}`+"\n"), Options{CoalesceWindow: -1})
	defer q.Close()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello from json", p.Message)
}

func TestQueueTreatsInvalidJSONAsPlainText(t *testing.T) {
	q := New(strings.NewReader("{not json\n"), Options{CoalesceWindow: -1})
	defer q.Close()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "{not json", p.Message)
}

func TestQueueSkipsBlankLines(t *testing.T) {
	q := New(strings.NewReader("\n   \nreal prompt\n"), Options{CoalesceWindow: -1})
	defer q.Close()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "real prompt", p.Message)
}

func TestQueueNextHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	q := New(pr, Options{})
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueSeparatePromptsOutsideWindow(t *testing.T) {
	pr, pw := io.Pipe()
	q := New(pr, Options{CoalesceWindow: 30 * time.Millisecond})
	defer q.Close()

	go func() {
		pw.Write([]byte("early\n"))
		time.Sleep(150 * time.Millisecond)
		pw.Write([]byte("late\n"))
		pw.Close()
	}()

	p, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "early", p.Message)

	p, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", p.Message)
}
