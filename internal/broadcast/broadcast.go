// Package broadcast fans one upstream SSE stream out to any number of
// subscribers. A single producer goroutine ingests upstream events, retains
// a bounded backlog so late subscribers replay from the beginning, and
// delivers to each subscriber FIFO without ever slowing the upstream down.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/nulpointcorp/claude-balancer/internal/translate"
)

var (
	// ErrSlowSubscriber marks a subscriber dropped for falling behind by
	// more than the backlog bound.
	ErrSlowSubscriber = errors.New("broadcast: subscriber too slow, disconnected")
	// ErrIdleTimeout marks a stream terminated because no upstream event
	// arrived within the idle window.
	ErrIdleTimeout = errors.New("broadcast: stream idle timeout")
	// ErrTotalTimeout marks a stream terminated for exceeding the total
	// duration bound.
	ErrTotalTimeout = errors.New("broadcast: stream total timeout")
	// ErrAbandoned marks a stream cancelled because every subscriber left
	// before the terminal event.
	ErrAbandoned = errors.New("broadcast: all subscribers left")
	// ErrBacklogReleased is returned to late subscribers when the stream
	// outgrew the replayable backlog.
	ErrBacklogReleased = errors.New("broadcast: backlog no longer replayable")
)

// Source is the upstream event iterator the producer drains. It matches the
// stream type returned by the upstream callers.
type Source interface {
	Next() bool
	Event() translate.StreamEvent
	Err() error
	Close() error
}

// Terminal is the recorded end state of a broadcast.
type Terminal struct {
	// Err is non-nil for transport-level endings: idle/total timeout,
	// upstream read errors, abandonment. A stream that ended with an
	// in-band `event: error` has Err nil and ErrorEvent set.
	Err error
	// ErrorEvent holds the final error event payload, if the upstream
	// emitted one.
	ErrorEvent *translate.StreamEvent
	// Events is the total number of events delivered.
	Events int
	// Abandoned reports that no subscriber was left at termination.
	Abandoned bool
}

// Options tunes one broadcast.
type Options struct {
	// BacklogMax bounds both the replay buffer and each subscriber's
	// pending queue.
	BacklogMax int
	// IdleTimeout terminates the stream when no event arrives for this
	// long. Zero disables the check.
	IdleTimeout time.Duration
	// TotalTimeout bounds the absolute stream duration. Zero disables.
	TotalTimeout time.Duration
	// Seed holds events already read from the source (lookahead) that must
	// be delivered first.
	Seed []translate.StreamEvent
	// Cancel aborts the upstream request. Called on timeout or when the
	// last subscriber leaves before the terminal event.
	Cancel func()
	// OnFinish is invoked exactly once with the terminal state.
	OnFinish func(Terminal)
}

// Broadcaster owns one upstream stream and its subscribers.
type Broadcaster struct {
	opts Options

	mu        sync.Mutex
	backlog   []translate.StreamEvent
	truncated bool
	subs      map[*Subscriber]struct{}
	terminal  *Terminal
	nEvents   int
	lastError *translate.StreamEvent

	abandon chan struct{}
	done    chan struct{}
}

// New starts broadcasting from src. Seed events are placed in the backlog
// before the producer reads anything, so the first subscriber sees them in
// order.
func New(src Source, opts Options) *Broadcaster {
	if opts.BacklogMax <= 0 {
		opts.BacklogMax = 1024
	}
	b := &Broadcaster{
		opts:    opts,
		subs:    make(map[*Subscriber]struct{}),
		abandon: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, ev := range opts.Seed {
		b.deliver(ev)
	}
	go b.produce(src)
	return b
}

// Done is closed when the broadcast has terminated.
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

// Terminal returns the end state, or nil while the stream is live.
func (b *Broadcaster) Terminal() *Terminal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Subscribe attaches a new subscriber. A subscriber joining mid-stream (or
// after a replayable terminal) first receives the full backlog. Once the
// backlog has outgrown its bound, late joiners get ErrBacklogReleased and
// should fall back to the terminal state.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return nil, ErrBacklogReleased
	}
	s := &Subscriber{
		b:  b,
		ch: make(chan translate.StreamEvent, b.opts.BacklogMax),
	}
	for _, ev := range b.backlog {
		s.ch <- ev
	}
	if b.terminal != nil {
		s.err = terminalErr(b.terminal)
		close(s.ch)
		return s, nil
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func terminalErr(t *Terminal) error {
	if t.Err != nil && !errors.Is(t.Err, ErrAbandoned) {
		return t.Err
	}
	return nil
}

func (b *Broadcaster) produce(src Source) {
	events := make(chan translate.StreamEvent)
	readDone := make(chan error, 1)
	go func() {
		for src.Next() {
			events <- src.Event()
		}
		readDone <- src.Err()
	}()

	var totalC <-chan time.Time
	if b.opts.TotalTimeout > 0 {
		total := time.NewTimer(b.opts.TotalTimeout)
		defer total.Stop()
		totalC = total.C
	}
	var idle *time.Timer
	var idleC <-chan time.Time
	if b.opts.IdleTimeout > 0 {
		idle = time.NewTimer(b.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	finish := func(err error) {
		if err != nil && b.opts.Cancel != nil {
			b.opts.Cancel()
		}
		src.Close()
		// Unblock the reader goroutine, which may be parked on a send.
		go func() {
			for {
				select {
				case <-events:
				case <-readDone:
					return
				}
			}
		}()
		b.finalize(err)
	}

	for {
		select {
		case ev := <-events:
			if idle != nil {
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(b.opts.IdleTimeout)
			}
			b.deliver(ev)
		case err := <-readDone:
			b.finalize(err)
			return
		case <-idleC:
			finish(ErrIdleTimeout)
			return
		case <-totalC:
			finish(ErrTotalTimeout)
			return
		case <-b.abandon:
			finish(ErrAbandoned)
			return
		}
	}
}

// deliver appends ev to the backlog and pushes it to every subscriber. A
// subscriber whose queue is full is disconnected on the spot.
func (b *Broadcaster) deliver(ev translate.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nEvents++
	if ev.IsError() {
		evCopy := ev
		b.lastError = &evCopy
	}
	if len(b.backlog) < b.opts.BacklogMax {
		b.backlog = append(b.backlog, ev)
	} else {
		b.truncated = true
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.err = ErrSlowSubscriber
			close(s.ch)
			delete(b.subs, s)
		}
	}
}

func (b *Broadcaster) finalize(err error) {
	b.mu.Lock()
	if b.terminal != nil {
		b.mu.Unlock()
		return
	}
	t := Terminal{
		Err:        err,
		ErrorEvent: b.lastError,
		Events:     b.nEvents,
		Abandoned:  len(b.subs) == 0,
	}
	b.terminal = &t
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
	b.mu.Unlock()
	close(b.done)
	if b.opts.OnFinish != nil {
		b.opts.OnFinish(t)
	}
}

func (b *Broadcaster) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[s]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s)
	last := len(b.subs) == 0 && b.terminal == nil
	b.mu.Unlock()
	if last {
		select {
		case b.abandon <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount reports live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscriber is one consumer's FIFO cursor over the broadcast.
type Subscriber struct {
	b    *Broadcaster
	ch   chan translate.StreamEvent
	err  error
	once sync.Once
}

// Events is the subscriber's delivery channel. It is closed at stream end
// or when the subscriber is dropped; check Err afterwards.
func (s *Subscriber) Events() <-chan translate.StreamEvent { return s.ch }

// Err reports why the channel closed: nil for a clean stream end,
// ErrSlowSubscriber for a backpressure drop, or the stream's transport
// error.
func (s *Subscriber) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.b.terminal != nil {
		return terminalErr(s.b.terminal)
	}
	return nil
}

// Close detaches the subscriber. When the last subscriber leaves before the
// terminal event the upstream call is cancelled.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.b.unsubscribe(s) })
}
