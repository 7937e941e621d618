package radiolink

import (
	"context"
	"testing"
	"time"
)

func TestOperationLockTryLockFailsWhileHeld(t *testing.T) {
	l := NewOperationLock()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer l.Unlock()

	if err := l.TryLock(); err != ErrBusy {
		t.Fatalf("expected ErrBusy while held, got %v", err)
	}
}

func TestOperationLockBlockingAcquireRespectsContextCancel(t *testing.T) {
	l := NewOperationLock()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Lock(ctx)
	if err == nil {
		t.Fatal("expected Lock to fail once ctx deadline passes")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Lock blocked far longer than the context deadline: %v", time.Since(start))
	}

	l.Unlock()

	// Now that the holder released it, a fresh acquire must succeed,
	// proving the earlier cancelled goroutine didn't leave mu stuck.
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	l.Unlock()
}

func TestPausePollingNestsAndIsIdempotentOnDecrement(t *testing.T) {
	l := NewOperationLock()
	if l.PollingPaused() {
		t.Fatal("expected not paused initially")
	}

	resumeOuter := l.PausePolling()
	if !l.PollingPaused() {
		t.Fatal("expected paused after first PausePolling")
	}

	resumeInner := l.PausePolling()
	resumeInner()
	if !l.PollingPaused() {
		t.Fatal("expected still paused after inner resume with outer still held")
	}

	// Calling the same resume function twice must not under-count.
	resumeInner()
	if !l.PollingPaused() {
		t.Fatal("expected still paused: inner resume is idempotent, should not double-decrement")
	}

	resumeOuter()
	if l.PollingPaused() {
		t.Fatal("expected unpaused once every PausePolling scope has resumed")
	}
}
