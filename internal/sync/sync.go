// Package sync runs the background loops that keep the radio's own
// working set small and the store's view of it current: periodic
// contact/channel offload, the message-poll fallback, periodic
// advertisement, and the throttled recent-contacts push. This is C6.
package sync

import (
	"context"
	"encoding/hex"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
)

const (
	messagePollInterval        = 5 * time.Second
	advertCheckInterval        = 60 * time.Second
	syncInterval               = 300 * time.Second
	contactSyncThrottleSeconds = 30

	// messagePollSafetyBound caps how many messages a single poll tick
	// will drain, guarding against a radio that never reports
	// NO_MORE_MSGS.
	messagePollSafetyBound = 100

	// channelSlotCount is how many channel slots the radio exposes for
	// the periodic sync's drain-and-offload.
	channelSlotCount = 40
)

// Loops owns the three background goroutines (message poll, periodic
// advert, periodic sync) and the state the on-demand recent-contacts push
// throttle needs.
type Loops struct {
	manager   *radiolink.Manager
	store     *store.DB
	processor *processor.Processor

	lastContactPush time.Time
}

// New builds the loop runner. Register it as processor's
// OnNonRepeaterContact hook so advertisement ingest can trigger a
// throttled push.
func New(m *radiolink.Manager, db *store.DB, proc *processor.Processor) *Loops {
	l := &Loops{manager: m, store: db, processor: proc}
	proc.OnNonRepeaterContact = func() { l.PushRecentContacts(context.Background(), false) }
	return l
}

// Run starts the three loops and blocks until ctx is cancelled; it then
// returns nil, since no loop returns an error. Each loop never exits on a
// transient failure; it logs and continues, matching the monitor loop's
// cancellation contract.
func (l *Loops) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { l.runMessagePoll(ctx); return nil })
	g.Go(func() error { l.runPeriodicAdvert(ctx); return nil })
	g.Go(func() error { l.runPeriodicSync(ctx); return nil })

	return g.Wait()
}

func (l *Loops) runMessagePoll(ctx context.Context) {
	ticker := time.NewTicker(messagePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollMessagesOnce(ctx)
		}
	}
}

func (l *Loops) pollMessagesOnce(ctx context.Context) {
	if !l.manager.IsConnected() || l.manager.OperationLock().PollingPaused() {
		return
	}
	for i := 0; i < messagePollSafetyBound; i++ {
		data, err := l.manager.GetMsg(ctx)
		if err != nil {
			if err != radiolink.ErrNoMoreMessages {
				log.Printf("sync: get_msg: %v", err)
			}
			return
		}
		if err := l.processor.ProcessRawPacket(data, time.Now().Unix()); err != nil {
			log.Printf("sync: process polled message: %v", err)
		}
	}
}

func (l *Loops) runPeriodicAdvert(ctx context.Context) {
	ticker := time.NewTicker(advertCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.maybeSendAdvert(ctx)
		}
	}
}

func (l *Loops) maybeSendAdvert(ctx context.Context) {
	settings, err := l.store.GetSettings()
	if err != nil {
		log.Printf("sync: load settings for advert check: %v", err)
		return
	}
	if settings.AdvertInterval == 0 {
		return
	}
	now := time.Now().Unix()
	if now-settings.LastAdvertTime < settings.AdvertInterval {
		return
	}
	if err := l.manager.SendAdvert(ctx); err != nil {
		log.Printf("sync: send periodic advert: %v", err)
		return
	}
	if err := l.store.SetLastAdvertTime(now); err != nil {
		log.Printf("sync: record last advert time: %v", err)
	}
}

func (l *Loops) runPeriodicSync(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.syncOnce(ctx)
		}
	}
}

func (l *Loops) syncOnce(ctx context.Context) {
	if !l.manager.IsConnected() {
		return
	}
	if err := l.manager.OperationLock().Lock(ctx); err != nil {
		return
	}
	defer l.manager.OperationLock().Unlock()

	if err := l.offloadContacts(ctx); err != nil {
		log.Printf("sync: offload contacts: %v", err)
	}
	if err := l.offloadChannels(ctx); err != nil {
		log.Printf("sync: offload channels: %v", err)
	}
	if err := l.store.EnsurePublicChannel(); err != nil {
		log.Printf("sync: ensure public channel: %v", err)
	}
}

func (l *Loops) offloadContacts(ctx context.Context) error {
	link := l.manager.Link()
	if link == nil {
		return radiolink.ErrNotConnected
	}
	f, err := link.Exchange(ctx, 0x04 /* cmdGetContacts */, nil)
	if err != nil {
		return err
	}
	offset := 0
	for offset+33 <= len(f.Payload) {
		key := hex.EncodeToString(f.Payload[offset : offset+32])
		typ := int(f.Payload[offset+32])
		if err := l.store.UpsertContact(&store.Contact{PublicKey: key, Type: typ}); err != nil {
			return err
		}
		if _, err := l.store.ClaimPrefixMessages(key); err != nil {
			log.Printf("sync: claim prefix messages for %s: %v", key, err)
		}
		offset += 33
	}
	return nil
}

func (l *Loops) offloadChannels(ctx context.Context) error {
	link := l.manager.Link()
	if link == nil {
		return radiolink.ErrNotConnected
	}
	f, err := link.Exchange(ctx, 0x07 /* cmdGetChannels */, nil)
	if err != nil {
		return err
	}
	const slotSize = 17
	count := 0
	for offset := 0; offset+slotSize <= len(f.Payload) && count < channelSlotCount; offset += slotSize {
		count++
		slot := f.Payload[offset : offset+slotSize]
		key := slot[:16]
		allZero := true
		for _, b := range key {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			continue
		}
		keyHex := hex.EncodeToString(key)
		if err := l.store.UpsertChannel(&store.Channel{Key: keyHex, Name: keyHex}); err != nil {
			return err
		}
	}
	return nil
}

// PushRecentContacts pushes the gateway's most relevant contacts onto the
// radio's bounded working set: favorites first, then the most recently
// active non-repeaters, capped at max_radio_contacts. Throttled to once
// every 30 seconds unless force is set (a manual API call, for instance).
func (l *Loops) PushRecentContacts(ctx context.Context, force bool) {
	if !force && time.Since(l.lastContactPush) < contactSyncThrottleSeconds*time.Second {
		return
	}
	if !l.manager.IsConnected() {
		return
	}
	l.lastContactPush = time.Now()

	settings, err := l.store.GetSettings()
	if err != nil {
		log.Printf("sync: load settings for contact push: %v", err)
		return
	}

	seen := make(map[string]bool)
	var keys []string
	for _, fav := range settings.Favorites {
		if fav.Type == "contact" && !seen[fav.ID] {
			seen[fav.ID] = true
			keys = append(keys, fav.ID)
		}
	}

	remaining := settings.MaxRadioContacts - len(keys)
	if remaining > 0 {
		recents, err := l.store.GetRecentNonRepeaters(remaining)
		if err != nil {
			log.Printf("sync: load recent contacts: %v", err)
		} else {
			for _, c := range recents {
				if !seen[c.PublicKey] {
					seen[c.PublicKey] = true
					keys = append(keys, c.PublicKey)
				}
			}
		}
	}
	if len(keys) > settings.MaxRadioContacts {
		keys = keys[:settings.MaxRadioContacts]
	}

	for _, key := range keys {
		existing, err := l.store.GetContactByKeyPrefix(key[:2])
		alreadyOnRadio := err == nil && existing != nil && existing.OnRadio
		if alreadyOnRadio {
			continue
		}
		if err := l.manager.AddContact(ctx, key); err != nil {
			log.Printf("sync: push contact %s to radio: %v", key, err)
			continue
		}
		if err := l.store.SetContactOnRadio(key, true); err != nil {
			log.Printf("sync: mark contact %s on_radio: %v", key, err)
		}
	}
}
