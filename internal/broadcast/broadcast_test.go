package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/claude-balancer/internal/translate"
)

// scriptSource feeds events from a channel; closing the channel ends the
// stream with the configured error.
type scriptSource struct {
	ch      chan translate.StreamEvent
	err     error
	current translate.StreamEvent

	mu     sync.Mutex
	closed bool
}

func newScriptSource() *scriptSource {
	return &scriptSource{ch: make(chan translate.StreamEvent, 64)}
}

func (s *scriptSource) push(name string) {
	s.ch <- translate.StreamEvent{Name: name, Data: []byte(`{}`)}
}

func (s *scriptSource) end() { close(s.ch) }

func (s *scriptSource) Next() bool {
	ev, ok := <-s.ch
	if !ok {
		return false
	}
	s.current = ev
	return true
}

func (s *scriptSource) Event() translate.StreamEvent { return s.current }
func (s *scriptSource) Err() error                   { return s.err }

func (s *scriptSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
	}
	return nil
}

func drain(t *testing.T, sub *Subscriber) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev.Name)
		case <-timeout:
			t.Fatalf("subscriber starved after %v", got)
		}
	}
}

func waitDone(t *testing.T, b *Broadcaster) *Terminal {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never terminated")
	}
	return b.Terminal()
}

func TestBroadcaster_FanOut(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 16})

	var subs []*Subscriber
	for i := 0; i < 3; i++ {
		s, err := b.Subscribe()
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, s)
	}
	for _, name := range []string{"message_start", "content_block_delta", "message_stop"} {
		src.push(name)
	}
	src.end()

	for i, s := range subs {
		got := drain(t, s)
		if len(got) != 3 || got[0] != "message_start" || got[2] != "message_stop" {
			t.Errorf("subscriber %d got %v", i, got)
		}
		if s.Err() != nil {
			t.Errorf("subscriber %d err = %v", i, s.Err())
		}
	}
	term := waitDone(t, b)
	if term.Err != nil || term.Events != 3 {
		t.Errorf("terminal = %+v", term)
	}
}

func TestBroadcaster_LateJoinReplaysBacklog(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 16})
	first, _ := b.Subscribe()

	src.push("message_start")
	src.push("content_block_start")
	// Wait until the early events are delivered before the late join.
	for i := 0; i < 2; i++ {
		select {
		case <-first.Events():
		case <-time.After(time.Second):
			t.Fatal("first subscriber starved")
		}
	}

	late, err := b.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	src.push("message_stop")
	src.end()

	got := drain(t, late)
	if len(got) != 3 || got[0] != "message_start" {
		t.Errorf("late subscriber got %v, want full replay", got)
	}
}

func TestBroadcaster_SeedEventsDeliveredFirst(t *testing.T) {
	src := newScriptSource()
	seed := []translate.StreamEvent{
		{Name: "message_start", Data: []byte(`{}`)},
		{Name: "ping", Data: []byte(`{}`)},
	}
	b := New(src, Options{BacklogMax: 16, Seed: seed})
	sub, _ := b.Subscribe()
	src.push("message_stop")
	src.end()

	got := drain(t, sub)
	want := []string{"message_start", "ping", "message_stop"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBroadcaster_SlowSubscriberDropped(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 2})
	slow, _ := b.Subscribe()

	// Fill the queue past its bound without draining.
	for i := 0; i < 4; i++ {
		src.push("content_block_delta")
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow subscriber never dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	drain(t, slow)
	if !errors.Is(slow.Err(), ErrSlowSubscriber) {
		t.Errorf("Err = %v, want ErrSlowSubscriber", slow.Err())
	}
	src.end()
}

func TestBroadcaster_IdleTimeout(t *testing.T) {
	src := newScriptSource()
	cancelled := make(chan struct{})
	b := New(src, Options{
		BacklogMax:  4,
		IdleTimeout: 30 * time.Millisecond,
		Cancel:      func() { close(cancelled) },
	})
	sub, _ := b.Subscribe()
	src.push("message_start")

	term := waitDone(t, b)
	if !errors.Is(term.Err, ErrIdleTimeout) {
		t.Fatalf("terminal err = %v", term.Err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("upstream not cancelled on idle timeout")
	}
	drain(t, sub)
	if !errors.Is(sub.Err(), ErrIdleTimeout) {
		t.Errorf("subscriber err = %v", sub.Err())
	}
	src.end()
}

func TestBroadcaster_TotalTimeout(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 4, TotalTimeout: 30 * time.Millisecond})
	term := waitDone(t, b)
	if !errors.Is(term.Err, ErrTotalTimeout) {
		t.Fatalf("terminal err = %v", term.Err)
	}
	src.end()
}

func TestBroadcaster_LastSubscriberLeavingCancelsUpstream(t *testing.T) {
	src := newScriptSource()
	cancelled := make(chan struct{})
	var finish Terminal
	finished := make(chan struct{})
	b := New(src, Options{
		BacklogMax: 4,
		Cancel:     func() { close(cancelled) },
		OnFinish:   func(t Terminal) { finish = t; close(finished) },
	})
	a, _ := b.Subscribe()
	c, _ := b.Subscribe()

	a.Close()
	select {
	case <-cancelled:
		t.Fatal("cancelled while a subscriber remained")
	case <-time.After(20 * time.Millisecond):
	}

	c.Close()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("last subscriber leaving did not cancel upstream")
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("OnFinish not invoked")
	}
	if !finish.Abandoned || !errors.Is(finish.Err, ErrAbandoned) {
		t.Errorf("terminal = %+v", finish)
	}
	src.end()
}

func TestBroadcaster_ErrorEventRecorded(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 8})
	sub, _ := b.Subscribe()
	src.push("message_start")
	src.ch <- translate.StreamEvent{Name: "error", Data: []byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`)}
	src.end()

	term := waitDone(t, b)
	if term.Err != nil {
		t.Errorf("in-band error should not be a transport error: %v", term.Err)
	}
	if term.ErrorEvent == nil || !term.ErrorEvent.IsError() {
		t.Fatalf("ErrorEvent = %+v", term.ErrorEvent)
	}
	got := drain(t, sub)
	if got[len(got)-1] != "error" {
		t.Errorf("subscriber tail = %v", got)
	}
}

func TestBroadcaster_PostTerminalSubscribeReplays(t *testing.T) {
	src := newScriptSource()
	b := New(src, Options{BacklogMax: 8})
	src.push("message_start")
	src.push("message_stop")
	src.end()
	waitDone(t, b)

	sub, err := b.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	got := drain(t, sub)
	if len(got) != 2 || got[1] != "message_stop" {
		t.Errorf("replay = %v", got)
	}
	if sub.Err() != nil {
		t.Errorf("err = %v", sub.Err())
	}
}
