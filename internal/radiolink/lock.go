package radiolink

import (
	"context"
	"sync"
)

// OperationLock serializes commands that must not interleave with
// auto-fetch or with each other (CLI exchange, telemetry, trace,
// contact/channel push). It also tracks a nestable pause counter for the
// message-polling loop: the loop runs only while connected AND the
// counter is zero.
type OperationLock struct {
	mu         sync.Mutex
	pauseMu    sync.Mutex
	pauseCount int
}

// NewOperationLock returns a ready-to-use lock.
func NewOperationLock() *OperationLock {
	return &OperationLock{}
}

// Lock blocks until the operation lock is acquired or ctx is cancelled.
func (l *OperationLock) Lock(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still acquire mu eventually and leak
		// it locked; to avoid that we spin off an unlock once it lands.
		go func() {
			<-done
			l.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Unlock releases the operation lock.
func (l *OperationLock) Unlock() {
	l.mu.Unlock()
}

// TryLock attempts a non-blocking acquire, returning ErrBusy immediately
// if the lock is held.
func (l *OperationLock) TryLock() error {
	if !l.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

// PausePolling increments the nesting counter. Call the returned function
// to decrement it; it is safe to call even if a panic unwinds through the
// paused scope, since callers are expected to defer it immediately after
// a successful PausePolling.
func (l *OperationLock) PausePolling() func() {
	l.pauseMu.Lock()
	l.pauseCount++
	l.pauseMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.pauseMu.Lock()
			l.pauseCount--
			l.pauseMu.Unlock()
		})
	}
}

// PollingPaused reports whether the nesting counter is above zero.
func (l *OperationLock) PollingPaused() bool {
	l.pauseMu.Lock()
	defer l.pauseMu.Unlock()
	return l.pauseCount > 0
}
