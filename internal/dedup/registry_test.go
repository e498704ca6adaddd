package dedup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistry_OwnerThenFollower(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	owner := r.Begin("fp", false)
	if owner.Role != RoleOwner {
		t.Fatalf("first Begin role = %v", owner.Role)
	}
	follower := r.Begin("fp", false)
	if follower.Role != RoleFollower {
		t.Fatalf("second Begin role = %v", follower.Role)
	}

	got := make(chan *Result, 1)
	go func() {
		res, err := follower.Await(context.Background())
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		got <- res
	}()

	owner.Complete(&Result{Provider: "a", StatusCode: 200, Body: []byte(`{}`)})
	select {
	case res := <-got:
		if res.Provider != "a" || res.StatusCode != 200 {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never woke")
	}

	// Entry is gone: the next identical request owns a fresh one.
	if next := r.Begin("fp", false); next.Role != RoleOwner {
		t.Errorf("after Complete, Begin role = %v", next.Role)
	}
}

func TestRegistry_FailWakesFollowers(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	owner := r.Begin("fp", false)
	follower := r.Begin("fp", false)

	boom := errors.New("upstream exploded")
	done := make(chan error, 1)
	go func() {
		_, err := follower.Await(context.Background())
		done <- err
	}()
	owner.Fail(boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never woke")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after Fail", r.Len())
	}
}

func TestRegistry_AwaitRespectsContext(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	r.Begin("fp", false)
	follower := r.Begin("fp", false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := follower.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestRegistry_ExpiredOwnerDemoted(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)
	defer r.Close()

	stale := r.Begin("fp", false)
	follower := r.Begin("fp", false)
	_ = stale // the owner hangs and never settles

	waitErr := make(chan error, 1)
	go func() {
		_, err := follower.Await(context.Background())
		waitErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	// Past the TTL a new Begin demotes the stale entry and owns a fresh one.
	next := r.Begin("fp", false)
	if next.Role != RoleOwner {
		t.Errorf("post-expiry Begin role = %v", next.Role)
	}
	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrEntryExpired) {
			t.Errorf("parked follower err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("parked follower not released")
	}
}

func TestRegistry_JanitorEvictsStaleEntries(t *testing.T) {
	r := NewRegistry(40 * time.Millisecond)
	defer r.Close()

	r.Begin("fp", false)
	deadline := time.Now().Add(3 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never evicted the stale entry")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRegistry_CloseReleasesWaiters(t *testing.T) {
	r := NewRegistry(time.Minute)
	r.Begin("fp", false)
	follower := r.Begin("fp", false)

	done := make(chan error, 1)
	go func() {
		_, err := follower.Await(context.Background())
		done <- err
	}()
	r.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrEntryExpired) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not release waiters")
	}
}

func TestRegistry_StreamingFailBeforePublish(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	owner := r.Begin("fp", true)
	follower := r.Begin("fp", true)
	if !follower.Streaming() {
		t.Error("Streaming() = false")
	}

	boom := errors.New("connect refused everywhere")
	done := make(chan error, 1)
	go func() {
		_, err := follower.Broadcaster(context.Background())
		done <- err
	}()
	owner.Fail(boom)

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream follower not released")
	}
}

func TestRegistry_StreamEndedStartsTTLClock(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	defer r.Close()

	owner := r.Begin("fp", true)
	owner.StreamEnded()
	// The entry survives briefly past termination so stragglers can attach.
	if got := r.Begin("fp", true); got.Role != RoleFollower {
		t.Errorf("immediately after StreamEnded, role = %v", got.Role)
	}
	time.Sleep(80 * time.Millisecond)
	if got := r.Begin("fp", true); got.Role != RoleOwner {
		t.Errorf("past terminal TTL, role = %v", got.Role)
	}
}
