package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
)

func openTestLoops(t *testing.T) (*Loops, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	proc := processor.New(db, keystore.New(), bus.New())
	mgr := radiolink.NewManager(radiolink.Config{}, keystore.New(), db, bus.New())
	return New(mgr, db, proc), db
}

func TestMaybeSendAdvertSkipsWhenIntervalZero(t *testing.T) {
	l, db := openTestLoops(t)
	// Default settings row has advert_interval = 0.
	l.maybeSendAdvert(context.Background())

	s, err := db.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if s.LastAdvertTime != 0 {
		t.Fatalf("expected no advert to be recorded when interval is 0, got %d", s.LastAdvertTime)
	}
}

func TestMaybeSendAdvertSkipsBeforeIntervalElapses(t *testing.T) {
	l, db := openTestLoops(t)
	interval := int64(3600)
	if err := db.UpdateSettings(store.SettingsUpdate{AdvertInterval: &interval}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	now := time.Now().Unix()
	if err := db.SetLastAdvertTime(now); err != nil {
		t.Fatalf("SetLastAdvertTime: %v", err)
	}

	l.maybeSendAdvert(context.Background())

	s, err := db.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if s.LastAdvertTime != now {
		t.Fatalf("expected last_advert_time to stay at %d, got %d", now, s.LastAdvertTime)
	}
}

func TestPushRecentContactsThrottled(t *testing.T) {
	l, _ := openTestLoops(t)
	l.lastContactPush = time.Now()

	// Within the throttle window and not forced: must return before even
	// checking the manager's connection state.
	l.PushRecentContacts(context.Background(), false)
	if time.Since(l.lastContactPush) > time.Second {
		t.Fatalf("throttled call should not have touched lastContactPush")
	}
}

func TestPushRecentContactsNoopWhenDisconnected(t *testing.T) {
	l, _ := openTestLoops(t)
	l.lastContactPush = time.Time{} // force past the throttle window

	// manager starts disconnected; PushRecentContacts must not panic or
	// advance lastContactPush.
	l.PushRecentContacts(context.Background(), true)
	if !l.lastContactPush.IsZero() {
		t.Fatalf("expected lastContactPush to remain zero when radio is disconnected")
	}
}

func TestSyncOnceNoopWhenDisconnected(t *testing.T) {
	l, _ := openTestLoops(t)
	// Must return cleanly without blocking or panicking when the radio
	// link has never been established.
	l.syncOnce(context.Background())
}
