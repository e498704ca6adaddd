package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type captureSink struct {
	mu      sync.Mutex
	entries []RequestLog
	batches int
}

func (c *captureSink) Write(_ context.Context, batch []RequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, batch...)
	c.batches++
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		l.Log(RequestLog{
			ID:       uuid.New(),
			Provider: "anthropic_official",
			Model:    "claude-sonnet-4",
			Status:   200,
			Streamed: i%2 == 0,
		})
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 5 {
		t.Errorf("flushed %d entries, want 5", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.entries[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not backfilled")
	}
}

func TestLogger_BatchBoundary(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < batchSize+10; i++ {
		l.Log(RequestLog{ID: uuid.New(), Status: 200})
	}
	// The full batch flushes without waiting for the ticker.
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < batchSize {
		if time.Now().After(deadline) {
			t.Fatalf("only %d entries flushed", sink.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Close()
	if sink.count() != batchSize+10 {
		t.Errorf("total = %d", sink.count())
	}
}

func TestLogger_DropsWhenFull(t *testing.T) {
	// A logger without its consumer running and a tiny channel makes the
	// drop path deterministic.
	l := &Logger{ch: make(chan RequestLog, 1), done: make(chan struct{})}
	l.Log(RequestLog{})
	l.Log(RequestLog{})
	l.Log(RequestLog{})
	if l.DroppedLogs() != 2 {
		t.Errorf("DroppedLogs = %d, want 2", l.DroppedLogs())
	}
}

func TestLogger_NilArguments(t *testing.T) {
	if _, err := New(nil, &captureSink{}); err == nil { //nolint:staticcheck
		t.Error("nil context accepted")
	}
	if _, err := New(context.Background(), nil); err == nil {
		t.Error("nil sink accepted")
	}
}
