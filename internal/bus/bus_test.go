package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recordingSubscriber) Deliver(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

type failingSubscriber struct{}

func (failingSubscriber) Deliver(ctx context.Context, env Envelope) error {
	return errors.New("boom")
}

type hangingSubscriber struct{}

func (hangingSubscriber) Deliver(ctx context.Context, env Envelope) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	a := &recordingSubscriber{}
	c := &recordingSubscriber{}
	b.Subscribe("a", a)
	b.Subscribe("c", c)

	b.Publish(EventHealth, map[string]bool{"radio_connected": true})

	if a.count() != 1 || c.count() != 1 {
		t.Fatalf("expected both subscribers to receive the event, got a=%d c=%d", a.count(), c.count())
	}
}

func TestPublishRemovesFailingSubscribers(t *testing.T) {
	b := New()
	b.Subscribe("bad", failingSubscriber{})
	good := &recordingSubscriber{}
	b.Subscribe("good", good)

	b.Publish(EventSuccess, nil)

	b.mu.Lock()
	_, stillThere := b.subscribers["bad"]
	b.mu.Unlock()
	if stillThere {
		t.Fatalf("expected failing subscriber to be removed after broadcast")
	}
	if good.count() != 1 {
		t.Fatalf("expected surviving subscriber to still receive the event")
	}
}

func TestPublishDoesNotBlockOnHangingSubscriber(t *testing.T) {
	b := New()
	b.Subscribe("hung", hangingSubscriber{})

	start := time.Now()
	b.Publish(EventError, "x")
	elapsed := time.Since(start)

	if elapsed > SendTimeout+time.Second {
		t.Fatalf("Publish took too long waiting on a hanging subscriber: %v", elapsed)
	}

	b.mu.Lock()
	_, stillThere := b.subscribers["hung"]
	b.mu.Unlock()
	if stillThere {
		t.Fatalf("expected timed-out subscriber to be removed")
	}
}

type fakeProvider struct{}

func (fakeProvider) HealthSnapshot() interface{} { return map[string]bool{"radio_connected": false} }
func (fakeProvider) AllContacts() interface{}    { return []string{} }
func (fakeProvider) AllChannels() interface{}    { return []string{} }

func TestReplayInitialStateOrder(t *testing.T) {
	r := &recordingSubscriber{}
	if err := ReplayInitialState(context.Background(), r, fakeProvider{}); err != nil {
		t.Fatalf("ReplayInitialState: %v", err)
	}
	if len(r.envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(r.envs))
	}
	wantOrder := []string{EventHealth, EventContacts, EventChannels}
	for i, want := range wantOrder {
		if r.envs[i].Type != want {
			t.Fatalf("envelope %d: got type %q, want %q", i, r.envs[i].Type, want)
		}
	}
}
