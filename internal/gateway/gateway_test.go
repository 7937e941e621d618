package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
)

func openTestGateway(t *testing.T) (*Gateway, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mgr := radiolink.NewManager(radiolink.Config{}, keystore.New(), db, bus.New())
	b := bus.New()
	return New(db, mgr, b), db
}

func TestSendDirectMessageRejectsUnknownContact(t *testing.T) {
	g, _ := openTestGateway(t)
	_, err := g.SendDirectMessage(context.Background(), "deadbeef", "hi")
	if err == nil {
		t.Fatal("expected an error for an unresolvable destination")
	}
}

func TestSendChannelMessageRejectsUnknownChannel(t *testing.T) {
	g, _ := openTestGateway(t)
	_, err := g.SendChannelMessage(context.Background(), "0102030405060708090A0B0C0D0E0F10", "hi")
	if err == nil {
		t.Fatal("expected an error for an unknown channel")
	}
}

func TestHandleAckCodeUnknownCodeIsNoop(t *testing.T) {
	g, _ := openTestGateway(t)
	// Must not panic on a code that was never tracked.
	g.HandleAckCode("no-such-code")
}

func TestTrackAckThenHandleAckCodeIncrementsCount(t *testing.T) {
	g, db := openTestGateway(t)

	id, err := db.CreateMessage(&store.Message{
		Type:            store.MessageTypePriv,
		ConversationKey: "abcd",
		Text:            "hello",
		ReceivedAt:      time.Now().Unix(),
		Outgoing:        true,
	}, "", time.Now().Unix())
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	g.trackAck(&radiolink.SendResult{AckCode: "ack-1", TimeoutMS: 5000}, id)
	g.HandleAckCode("ack-1")

	count, err := db.GetAckCount(id)
	if err != nil {
		t.Fatalf("GetAckCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected ack count 1, got %d", count)
	}

	// The code is one-shot: a second delivery of the same ack is a no-op.
	g.HandleAckCode("ack-1")
	count, err = db.GetAckCount(id)
	if err != nil {
		t.Fatalf("GetAckCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected ack count to stay at 1 after a repeated code, got %d", count)
	}
}

func TestSweepStaleAcksDropsExpiredEntries(t *testing.T) {
	g, _ := openTestGateway(t)

	g.ackMu.Lock()
	g.acks["stale"] = pendingAck{messageID: 1, createdAt: time.Now().Add(-time.Hour), timeout: time.Second}
	g.acks["fresh"] = pendingAck{messageID: 2, createdAt: time.Now(), timeout: time.Minute}
	g.sweepStaleAcksLocked()
	_, staleStillThere := g.acks["stale"]
	_, freshStillThere := g.acks["fresh"]
	g.ackMu.Unlock()

	if staleStillThere {
		t.Fatal("expected the stale ack entry to be swept")
	}
	if !freshStillThere {
		t.Fatal("expected the fresh ack entry to survive the sweep")
	}
}

func TestHealthSnapshotReportsDisconnected(t *testing.T) {
	g, _ := openTestGateway(t)
	snap, ok := g.HealthSnapshot().(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map snapshot, got %T", g.HealthSnapshot())
	}
	if snap["status"] != "disconnected" {
		t.Fatalf("expected status disconnected, got %v", snap["status"])
	}
	if snap["radio_connected"] != false {
		t.Fatalf("expected radio_connected false, got %v", snap["radio_connected"])
	}
}

func TestAllContactsAndAllChannelsReturnEmptySlicesInitially(t *testing.T) {
	g, _ := openTestGateway(t)

	contacts, ok := g.AllContacts().([]*store.Contact)
	if !ok {
		t.Fatalf("expected []*store.Contact, got %T", g.AllContacts())
	}
	if len(contacts) != 0 {
		t.Fatalf("expected no contacts, got %d", len(contacts))
	}

	channels, ok := g.AllChannels().([]*store.Channel)
	if !ok {
		t.Fatalf("expected []*store.Channel, got %T", g.AllChannels())
	}
	if len(channels) != 0 {
		t.Fatalf("expected no channels, got %d", len(channels))
	}
}

func TestManualReconnectReturnsRequestID(t *testing.T) {
	g, _ := openTestGateway(t)
	reqID, err := g.ManualReconnect(context.Background())
	if err != nil {
		// A disconnected manager with no configured transport is expected
		// to fail the reconnect attempt itself; the request id must still
		// come back so the caller can correlate the failure.
	}
	if reqID == "" {
		t.Fatal("expected a non-empty request id")
	}
}
