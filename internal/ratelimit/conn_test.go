package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestConnLimiter_Unbounded(t *testing.T) {
	l := NewConnLimiter(0)
	if !l.Unbounded() {
		t.Fatal("limit 0 should be unbounded")
	}

	for i := 0; i < 100; i++ {
		release, err := l.Acquire(context.Background(), "a")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		release()
	}
}

func TestConnLimiter_CapEnforced(t *testing.T) {
	l := NewConnLimiter(2)

	r1, ok := l.TryAcquire("a")
	if !ok {
		t.Fatal("first acquire should succeed")
	}
	r2, ok := l.TryAcquire("a")
	if !ok {
		t.Fatal("second acquire should succeed")
	}
	if _, ok := l.TryAcquire("a"); ok {
		t.Fatal("third acquire should fail at cap 2")
	}

	// Other providers have their own pools.
	rb, ok := l.TryAcquire("b")
	if !ok {
		t.Fatal("different provider should not share the cap")
	}
	rb()

	r1()
	if _, ok := l.TryAcquire("a"); !ok {
		t.Fatal("acquire should succeed after release")
	}
	r2()
}

func TestConnLimiter_AcquireBlocksUntilRelease(t *testing.T) {
	l := NewConnLimiter(1)

	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "a")
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not wake after release")
	}
}

func TestConnLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewConnLimiter(1)

	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx, "a"); err == nil {
		t.Fatal("Acquire should fail when the context expires")
	}
}

func TestConnLimiter_ReleaseIdempotent(t *testing.T) {
	l := NewConnLimiter(1)

	release, err := l.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // second call must not over-release

	r1, ok := l.TryAcquire("a")
	if !ok {
		t.Fatal("acquire after release should succeed")
	}
	defer r1()
	if _, ok := l.TryAcquire("a"); ok {
		t.Fatal("cap should still be 1 after a double release")
	}
}
