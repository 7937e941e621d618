package radiolink

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/store"
)

// EventPublisher is the narrow slice of internal/bus.Bus the connection
// monitor needs, kept as a local interface so radiolink does not import
// bus.
type EventPublisher interface {
	Publish(eventType string, data interface{})
}

// ConnectionInfo describes the active transport for the health snapshot.
type ConnectionInfo struct {
	Type string // "serial", "tcp", or "ble"
	Port string
}

// Manager owns the radio transport, the shared operation lock, and the
// connection monitor. It is the concrete implementation of C4.
type Manager struct {
	cfg       Config
	keystore  *keystore.Store
	store     *store.DB
	publisher EventPublisher

	lock         *OperationLock
	reconnectMu  sync.Mutex
	reconnecting bool

	mu          sync.RWMutex
	link        *Link
	connected   bool
	connInfo    ConnectionInfo
	autoFetchOn bool
	ownName     string
}

// NewManager builds a Manager. It does not connect; call Connect or start
// the monitor loop to establish the link.
func NewManager(cfg Config, ks *keystore.Store, db *store.DB, publisher EventPublisher) *Manager {
	return &Manager{
		cfg:       cfg,
		keystore:  ks,
		store:     db,
		publisher: publisher,
		lock:      NewOperationLock(),
	}
}

// OperationLock exposes the shared lock to other components (CLI/telemetry
// operations, outgoing send) that must serialize against the radio.
func (m *Manager) OperationLock() *OperationLock { return m.lock }

// IsConnected reports the last-known connection state.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// ConnectionInfo reports the active transport descriptor.
func (m *Manager) ConnectionInfo() ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connInfo
}

func (m *Manager) transportKind() string {
	switch {
	case m.cfg.BLEAddress != "":
		return "ble"
	case m.cfg.TCPHost != "":
		return "tcp"
	default:
		return "serial"
	}
}

// connect opens the transport and wraps it in a Link. Callers must hold
// no locks; connect takes the operation lock for the duration of the
// handshake.
func (m *Manager) connect(ctx context.Context) error {
	if err := m.lock.Lock(ctx); err != nil {
		return err
	}
	defer m.lock.Unlock()

	t, err := Open(ctx, m.cfg)
	if err != nil {
		return err
	}
	link := NewLink(t)

	m.mu.Lock()
	m.link = link
	m.connected = true
	m.connInfo = ConnectionInfo{Type: m.transportKind(), Port: m.cfg.SerialPort}
	m.mu.Unlock()
	return nil
}

func (m *Manager) disconnect() {
	m.mu.Lock()
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	m.connected = false
	m.mu.Unlock()
}

// RunMonitor runs the connection supervisor loop until ctx is cancelled.
// It implements a state-transition table: health is
// only ever broadcast true after post-connect setup has fully completed.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastConnected := false
	// Attempt the first connection immediately rather than waiting a
	// full tick.
	m.tick(ctx, &lastConnected)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("radiolink: monitor tick panicked, continuing: %v", r)
					}
				}()
				m.tick(ctx, &lastConnected)
			}()
		}
	}
}

func (m *Manager) tick(ctx context.Context, lastConnected *bool) {
	nowConnected := m.probeConnected()

	switch {
	case *lastConnected && !nowConnected:
		m.disconnect()
		m.publisher.Publish("health", map[string]interface{}{"radio_connected": false})
		*lastConnected = false

	case !*lastConnected && !nowConnected:
		m.reconnectMu.Lock()
		already := m.reconnecting
		if !already {
			m.reconnecting = true
		}
		m.reconnectMu.Unlock()
		if already {
			return
		}
		defer func() {
			m.reconnectMu.Lock()
			m.reconnecting = false
			m.reconnectMu.Unlock()
		}()

		if err := m.connect(ctx); err != nil {
			return
		}
		if err := m.PostConnectSetup(ctx); err != nil {
			log.Printf("radiolink: post-connect setup failed: %v", err)
			m.disconnect()
			return
		}
		m.publisher.Publish("health", map[string]interface{}{"radio_connected": true})
		*lastConnected = true

	case !*lastConnected && nowConnected:
		if err := m.PostConnectSetup(ctx); err != nil {
			log.Printf("radiolink: post-connect setup failed: %v", err)
			return
		}
		m.publisher.Publish("health", map[string]interface{}{"radio_connected": true})
		*lastConnected = true

	default:
		// connected -> connected: no-op
	}
}

func (m *Manager) probeConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.link != nil
}

// ManualReconnect services a client-initiated reconnect request. If the
// monitor is already mid-reconnect it returns immediately with
// ErrReconnectPending rather than racing it.
func (m *Manager) ManualReconnect(ctx context.Context) error {
	m.reconnectMu.Lock()
	if m.reconnecting {
		m.reconnectMu.Unlock()
		return ErrReconnectPending
	}
	m.reconnecting = true
	m.reconnectMu.Unlock()
	defer func() {
		m.reconnectMu.Lock()
		m.reconnecting = false
		m.reconnectMu.Unlock()
	}()

	m.disconnect()
	if err := m.connect(ctx); err != nil {
		return err
	}
	if err := m.PostConnectSetup(ctx); err != nil {
		m.disconnect()
		return err
	}
	m.publisher.Publish("health", map[string]interface{}{"radio_connected": true})
	return nil
}

// ErrReconnectPending is returned by ManualReconnect when the monitor is
// already attempting a reconnect.
var ErrReconnectPending = fmt.Errorf("radiolink: reconnect already in progress")

// setupMu makes PostConnectSetup re-entrant-safe: only one run proceeds
// at a time.
var setupMu sync.Mutex

// PostConnectSetup runs the idempotent setup sequence: fetch our identity
// name, export the private key, sync the clock, drain contacts and
// channels from the radio into the store, ensure the Public channel, and
// start auto-fetch.
func (m *Manager) PostConnectSetup(ctx context.Context) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	if err := m.fetchSelfInfo(ctx); err != nil {
		log.Printf("radiolink: self info unavailable: %v", err)
	}
	if err := m.exportPrivateKey(ctx); err != nil {
		log.Printf("radiolink: key export unavailable: %v", err)
	}
	if err := m.syncClock(ctx); err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}
	if err := m.drainContacts(ctx); err != nil {
		return fmt.Errorf("drain contacts: %w", err)
	}
	if err := m.drainChannels(ctx); err != nil {
		return fmt.Errorf("drain channels: %w", err)
	}
	if err := m.store.EnsurePublicChannel(); err != nil {
		return fmt.Errorf("ensure public channel: %w", err)
	}
	m.startAutoFetch(ctx)
	return nil
}

func (m *Manager) link0() (*Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.link == nil {
		return nil, ErrNotConnected
	}
	return m.link, nil
}

// fetchSelfInfo reads the radio's own node name, used to prefix our
// outgoing channel messages the same way every other node's name prefixes
// theirs.
func (m *Manager) fetchSelfInfo(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	f, err := link.Exchange(ctx, cmdSelfInfo, nil)
	if err != nil {
		return err
	}
	if len(f.Payload) < 1 {
		return nil
	}
	nameLen := int(f.Payload[0])
	if len(f.Payload) < 1+nameLen {
		return nil
	}
	m.mu.Lock()
	m.ownName = string(f.Payload[1 : 1+nameLen])
	m.mu.Unlock()
	return nil
}

// OwnName returns the radio's own node name, or "" if it hasn't been
// fetched yet (no connection has ever completed setup).
func (m *Manager) OwnName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ownName
}

func (m *Manager) exportPrivateKey(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	f, err := link.Exchange(ctx, cmdExportPrivateKey, nil)
	if err != nil {
		return err
	}
	if len(f.Payload) != 64 {
		return m.keystore.ApplyExport(keystore.ExportDisabled, nil)
	}
	return m.keystore.ApplyExport(keystore.ExportSucceeded, f.Payload)
}

func (m *Manager) syncClock(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	payload := make([]byte, 4)
	now := uint32(time.Now().Unix())
	payload[0] = byte(now)
	payload[1] = byte(now >> 8)
	payload[2] = byte(now >> 16)
	payload[3] = byte(now >> 24)
	_, err = link.Exchange(ctx, cmdSyncClock, payload)
	return err
}

// RadioContact is the wire shape of a contact entry as drained from the
// radio's own table.
type RadioContact struct {
	PublicKey string
	Name      string
	Type      int
}

func (m *Manager) drainContacts(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	f, err := link.Exchange(ctx, cmdGetContacts, nil)
	if err != nil {
		return err
	}
	contacts := decodeRadioContacts(f.Payload)
	for _, rc := range contacts {
		if err := m.store.UpsertContact(&store.Contact{PublicKey: rc.PublicKey, Name: rc.Name, Type: rc.Type}); err != nil {
			return err
		}
		if _, err := m.store.ClaimPrefixMessages(rc.PublicKey); err != nil {
			log.Printf("radiolink: claim prefix messages for %s: %v", rc.PublicKey, err)
		}
		keyBytes, err := hex.DecodeString(rc.PublicKey)
		if err == nil {
			if _, err := link.Exchange(ctx, cmdRemoveContact, keyBytes); err != nil {
				log.Printf("radiolink: remove drained contact from radio: %v", err)
			}
		}
	}
	return nil
}

func decodeRadioContacts(payload []byte) []RadioContact {
	var out []RadioContact
	offset := 0
	for offset+33 <= len(payload) {
		key := hex.EncodeToString(payload[offset : offset+32])
		typ := int(payload[offset+32])
		out = append(out, RadioContact{PublicKey: key, Type: typ})
		offset += 33
	}
	return out
}

func (m *Manager) drainChannels(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	f, err := link.Exchange(ctx, cmdGetChannels, nil)
	if err != nil {
		return err
	}

	const slotSize = 17 // 16-byte key + 1 name-length-or-empty marker
	for offset := 0; offset+slotSize <= len(f.Payload); offset += slotSize {
		slot := f.Payload[offset : offset+slotSize]
		key := slot[:16]
		if isAllZero(key) {
			continue
		}
		keyHex := strings.ToUpper(hex.EncodeToString(key))
		if err := m.store.UpsertChannel(&store.Channel{Key: keyHex, Name: keyHex}); err != nil {
			return err
		}
		if _, err := link.Exchange(ctx, cmdClearChannel, key); err != nil {
			log.Printf("radiolink: clear drained channel slot on radio: %v", err)
		}
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (m *Manager) startAutoFetch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoFetchOn {
		return
	}
	link := m.link
	if link == nil {
		return
	}
	if _, err := link.Exchange(ctx, cmdStartAutoFetch, nil); err != nil {
		log.Printf("radiolink: start auto-fetch: %v", err)
		return
	}
	m.autoFetchOn = true
}

// SuspendAutoFetch stops auto-message-fetch on the radio for the
// duration of the returned scope, restarting it on exit even if ctx is
// already cancelled by then.
func (m *Manager) SuspendAutoFetch(ctx context.Context) (resume func(), err error) {
	link, err := m.link0()
	if err != nil {
		return nil, err
	}
	if _, err := link.Exchange(ctx, cmdStopAutoFetch, nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.autoFetchOn = false
	m.mu.Unlock()

	return func() {
		restoreCtx := context.Background()
		m.startAutoFetch(restoreCtx)
	}, nil
}

// Link returns the current link for callers (packet processor, sync
// loop, gateway façade) that issue commands directly. It is nil when not
// connected.
func (m *Manager) Link() *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}
