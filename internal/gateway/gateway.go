// Package gateway wires the store, keystore, radio link, packet
// processor, and event bus into a single façade exposing the
// gateway's request-style operations: sending messages, repeater
// commands, settings CRUD, and the health snapshot. This is C9.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/radiolink"
	"github.com/agsys/meshgate/internal/store"
)

// pendingAck tracks an outgoing message awaiting the radio's delivery
// acknowledgment, correlated by the ack code the radio assigned at send
// time.
type pendingAck struct {
	messageID int64
	createdAt time.Time
	timeout   time.Duration
}

// Gateway is the concrete implementation of C9.
type Gateway struct {
	store   *store.DB
	manager *radiolink.Manager
	bus     *bus.Bus

	ackMu sync.Mutex
	acks  map[string]pendingAck
}

// New builds a Gateway.
func New(db *store.DB, manager *radiolink.Manager, b *bus.Bus) *Gateway {
	return &Gateway{
		store:   db,
		manager: manager,
		bus:     b,
		acks:    make(map[string]pendingAck),
	}
}

// SendDirectMessage resolves destKeyOrPrefix to a contact, idempotently
// pushes it onto the radio's working set, sends the text, and stores the
// outgoing row with sender_timestamp/received_at pinned to the same "now"
// used on the wire so the mesh's own echo lines up with the dedup key.
func (g *Gateway) SendDirectMessage(ctx context.Context, destKeyOrPrefix, text string) (int64, error) {
	contact, err := g.store.GetContactByKeyOrPrefix(destKeyOrPrefix)
	if err != nil {
		return 0, fmt.Errorf("gateway: resolve destination: %w", err)
	}
	if contact == nil {
		return 0, fmt.Errorf("gateway: no contact matches %q", destKeyOrPrefix)
	}

	if !contact.OnRadio {
		if err := g.manager.AddContact(ctx, contact.PublicKey); err != nil {
			return 0, fmt.Errorf("gateway: push contact to radio: %w", err)
		}
		if err := g.store.SetContactOnRadio(contact.PublicKey, true); err != nil {
			return 0, fmt.Errorf("gateway: mark contact on_radio: %w", err)
		}
	}

	now := time.Now().Unix()
	result, err := g.manager.SendTextMessage(ctx, contact.PublicKey, "", text, now)
	if err != nil {
		return 0, fmt.Errorf("gateway: send direct message: %w", err)
	}

	ts := now
	id, err := g.store.CreateMessage(&store.Message{
		Type:            store.MessageTypePriv,
		ConversationKey: strings.ToLower(contact.PublicKey),
		Text:            text,
		SenderTimestamp: &ts,
		ReceivedAt:      now,
		Outgoing:        true,
	}, "", now)
	if err != nil {
		return 0, fmt.Errorf("gateway: store outgoing message: %w", err)
	}

	if err := g.store.UpdateLastContacted(contact.PublicKey, now); err != nil {
		return id, fmt.Errorf("gateway: update last contacted: %w", err)
	}

	g.trackAck(result, id)
	return id, nil
}

// SendChannelMessage loads the channel key into a temporary radio slot,
// sends the text prefixed with our own node name, and stores the
// outgoing row under the same captured "now".
func (g *Gateway) SendChannelMessage(ctx context.Context, channelKeyHex, text string) (int64, error) {
	channel, err := g.store.GetChannelByKey(channelKeyHex)
	if err != nil {
		return 0, fmt.Errorf("gateway: resolve channel: %w", err)
	}
	if channel == nil {
		return 0, fmt.Errorf("gateway: no channel with key %q", channelKeyHex)
	}

	if err := g.manager.SetChannel(ctx, channel.Key); err != nil {
		return 0, fmt.Errorf("gateway: load channel onto radio: %w", err)
	}

	now := time.Now().Unix()
	name := g.manager.OwnName()
	wireText := text
	if name != "" {
		wireText = name + ": " + text
	}

	result, err := g.manager.SendTextMessage(ctx, "", channel.Key, wireText, now)
	if err != nil {
		return 0, fmt.Errorf("gateway: send channel message: %w", err)
	}

	ts := now
	id, err := g.store.CreateMessage(&store.Message{
		Type:            store.MessageTypeChan,
		ConversationKey: channel.Key,
		Text:            wireText,
		SenderTimestamp: &ts,
		ReceivedAt:      now,
		Outgoing:        true,
	}, "", now)
	if err != nil {
		return 0, fmt.Errorf("gateway: store outgoing message: %w", err)
	}

	g.trackAck(result, id)
	return id, nil
}

func (g *Gateway) trackAck(result *radiolink.SendResult, messageID int64) {
	if result == nil || result.AckCode == "" {
		return
	}
	g.ackMu.Lock()
	defer g.ackMu.Unlock()
	g.acks[result.AckCode] = pendingAck{
		messageID: messageID,
		createdAt: time.Now(),
		timeout:   time.Duration(result.TimeoutMS) * time.Millisecond,
	}
	g.sweepStaleAcksLocked()
}

// HandleAckCode resolves an ack code reported by the radio to the
// outgoing message it belongs to, increments its ack count, publishes
// message_acked, and drops the mapping. Unknown codes (already swept, or
// never ours) are a silent no-op.
func (g *Gateway) HandleAckCode(ackCode string) {
	g.ackMu.Lock()
	pending, ok := g.acks[ackCode]
	if ok {
		delete(g.acks, ackCode)
	}
	g.ackMu.Unlock()
	if !ok {
		return
	}

	count, err := g.store.IncrementAckCount(pending.messageID)
	if err != nil {
		return
	}
	g.bus.Publish(bus.EventMessageAcked, map[string]interface{}{
		"message_id": pending.messageID, "ack_count": count,
	})
}

// sweepStaleAcksLocked drops ack-map entries older than twice their
// assigned timeout; the radio is never going to report them at this
// point. Caller must hold ackMu.
func (g *Gateway) sweepStaleAcksLocked() {
	now := time.Now()
	for code, p := range g.acks {
		if now.Sub(p.createdAt) > 2*p.timeout {
			delete(g.acks, code)
		}
	}
}

// RepeaterTelemetry forwards to the radio link.
func (g *Gateway) RepeaterTelemetry(ctx context.Context, repeaterPublicKeyHex string) ([]byte, error) {
	return g.manager.RepeaterTelemetry(ctx, repeaterPublicKeyHex)
}

// RepeaterTrace forwards to the radio link.
func (g *Gateway) RepeaterTrace(ctx context.Context, repeaterPublicKeyHex string) ([]byte, error) {
	return g.manager.RepeaterTrace(ctx, repeaterPublicKeyHex)
}

// RepeaterCLICommand forwards to the radio link.
func (g *Gateway) RepeaterCLICommand(ctx context.Context, repeaterPublicKeyHex, command string) ([]byte, error) {
	return g.manager.RepeaterCLICommand(ctx, repeaterPublicKeyHex, command)
}

// ListMessages is a thin pass-through to the store's cursor-paginated
// message query.
func (g *Gateway) ListMessages(msgType, conversationKey string, limit int, beforeReceivedAt, beforeID int64) ([]*store.Message, error) {
	return g.store.GetMessages(msgType, conversationKey, limit, beforeReceivedAt, beforeID)
}

// ListContacts returns every known contact.
func (g *Gateway) ListContacts(limit, offset int) ([]*store.Contact, error) {
	return g.store.GetAllContacts(limit, offset)
}

// ListChannels returns every known channel.
func (g *Gateway) ListChannels() ([]*store.Channel, error) {
	return g.store.GetAllChannels()
}

// MarkContactRead updates a contact's last-read timestamp.
func (g *Gateway) MarkContactRead(publicKey string, ts int64) (bool, error) {
	return g.store.UpdateContactLastReadAt(publicKey, ts)
}

// MarkChannelRead updates a channel's last-read timestamp.
func (g *Gateway) MarkChannelRead(key string, ts int64) (bool, error) {
	return g.store.UpdateChannelLastReadAt(key, ts)
}

// Settings returns the current settings row.
func (g *Gateway) Settings() (*store.AppSettings, error) {
	return g.store.GetSettings()
}

// UpdateSettings applies a partial settings update.
func (g *Gateway) UpdateSettings(u store.SettingsUpdate) error {
	return g.store.UpdateSettings(u)
}

// AddFavorite pins a contact or channel to the sidebar.
func (g *Gateway) AddFavorite(favType, id string) error {
	return g.store.AddFavorite(favType, id)
}

// RemoveFavorite unpins a contact or channel.
func (g *Gateway) RemoveFavorite(favType, id string) error {
	return g.store.RemoveFavorite(favType, id)
}

// ManualReconnect asks the connection monitor to attempt an out-of-band
// reconnect right now, correlated with a fresh request id for logging.
func (g *Gateway) ManualReconnect(ctx context.Context) (string, error) {
	reqID := uuid.NewString()
	return reqID, g.manager.ManualReconnect(ctx)
}

// HealthSnapshot implements bus.InitialStateProvider and the health HTTP
// endpoint: connection status, database size, and how far behind
// decrypt-retry is.
func (g *Gateway) HealthSnapshot() interface{} {
	dbSize, _ := g.store.DatabaseSizeBytes()
	oldestUndecrypted, _ := g.store.GetOldestUndecryptedTimestamp()
	undecryptedCount, _ := g.store.GetUndecryptedCount()

	status := "disconnected"
	if g.manager.IsConnected() {
		status = "connected"
	}

	return map[string]interface{}{
		"status":                      status,
		"radio_connected":             g.manager.IsConnected(),
		"connection_info":             g.manager.ConnectionInfo(),
		"database_size_mb":            float64(dbSize) / (1024 * 1024),
		"oldest_undecrypted_timestamp": oldestUndecrypted,
		"undecrypted_count":           undecryptedCount,
	}
}

// AllContacts implements bus.InitialStateProvider.
func (g *Gateway) AllContacts() interface{} {
	contacts, err := g.store.GetAllContacts(0, 0)
	if err != nil {
		return []*store.Contact{}
	}
	return contacts
}

// AllChannels implements bus.InitialStateProvider.
func (g *Gateway) AllChannels() interface{} {
	channels, err := g.store.GetAllChannels()
	if err != nil {
		return []*store.Channel{}
	}
	return channels
}
