package processor

import (
	"context"
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decoder"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/store"
)

type captureSubscriber struct {
	mu   sync.Mutex
	envs []bus.Envelope
}

func (c *captureSubscriber) Deliver(ctx context.Context, env bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSubscriber) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Type
	}
	return out
}

func encryptECB(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	out := make([]byte, len(plaintext))
	for off := 0; off < len(plaintext); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], plaintext[off:off+aes.BlockSize])
	}
	return out
}

// buildGroupTextPacket assembles a full raw frame carrying an encrypted
// channel message, mirroring the wire layout in internal/decoder/crypto.go.
func buildGroupTextPacket(t *testing.T, channelKey []byte, text string) []byte {
	t.Helper()

	plaintext := []byte{0, 0, 0, 0, 0} // timestamp=0, flags=0
	plaintext = append(plaintext, []byte(text)...)
	for len(plaintext)%aes.BlockSize != 0 {
		plaintext = append(plaintext, 0)
	}

	ciphertext := encryptECB(t, channelKey, plaintext)

	channelSecret := append(append([]byte{}, channelKey...), make([]byte, 16)...)
	h := hmac.New(sha256.New, channelSecret)
	h.Write(ciphertext)
	mac := h.Sum(nil)[:2]

	channelHashSum := sha256.Sum256(channelKey)
	payload := []byte{channelHashSum[0]}
	payload = append(payload, mac...)
	payload = append(payload, ciphertext...)

	header := byte(decoder.RouteFlood) | byte(decoder.PayloadGroupText)<<2
	frame := []byte{header, 0x00} // no path
	frame = append(frame, payload...)
	return frame
}

func TestProcessRawPacketDecryptsChannelMessage(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	channelKey := make([]byte, 16)
	for i := range channelKey {
		channelKey[i] = byte(i)
	}
	channelKeyHex := "000102030405060708090A0B0C0D0E0F"
	if err := db.UpsertChannel(&store.Channel{Key: channelKeyHex, Name: "Test"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	b := bus.New()
	sub := &captureSubscriber{}
	b.Subscribe("test", sub)

	proc := New(db, keystore.New(), b)

	frame := buildGroupTextPacket(t, channelKey, "Alice: hello mesh")
	if err := proc.ProcessRawPacket(frame, 1000); err != nil {
		t.Fatalf("ProcessRawPacket: %v", err)
	}

	msgs, err := db.GetMessages(store.MessageTypeChan, channelKeyHex, 10, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Text != "Alice: hello mesh" {
		t.Fatalf("expected pass-through canonical text, got %q", msgs[0].Text)
	}

	types := sub.types()
	if len(types) != 2 || types[0] != bus.EventMessage || types[1] != bus.EventRawPacket {
		t.Fatalf("expected [message, raw_packet] events in order, got %v", types)
	}
}

func TestProcessRawPacketDuplicateIncrementsAckOnOutgoing(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	channelKey := make([]byte, 16)
	channelKeyHex := strings.Repeat("00", 16)
	if err := db.UpsertChannel(&store.Channel{Key: channelKeyHex, Name: "Test"}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}

	ts := int64(0)
	_, err = db.CreateMessage(&store.Message{
		Type: store.MessageTypeChan, ConversationKey: channelKeyHex, Text: "Alice: hello mesh",
		SenderTimestamp: &ts, ReceivedAt: 500, Outgoing: true,
	}, "feedface", 500)
	if err != nil {
		t.Fatalf("seed CreateMessage: %v", err)
	}

	b := bus.New()
	sub := &captureSubscriber{}
	b.Subscribe("test", sub)
	proc := New(db, keystore.New(), b)

	frame := buildGroupTextPacket(t, channelKey, "Alice: hello mesh")
	if err := proc.ProcessRawPacket(frame, 1000); err != nil {
		t.Fatalf("ProcessRawPacket: %v", err)
	}

	count, err := db.GetAckCount(1)
	if err != nil {
		t.Fatalf("GetAckCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected ack count 1 after echo of outgoing message, got %d", count)
	}
}

// face12Priv / a1b2c3PubHex are the real MeshCore key material behind the
// TEXT_MESSAGE fixture below: face12Priv derives a public key starting with
// 0xFA (our side), a1b2c3PubHex is the peer's public key (src_hash 0xa1).
const (
	face12PrivHex = "58BA1940E97099CBB4357C62CE9C7F4B245C94C90D722E67201B989F9FEACF7B" +
		"77ACADDB84438514022BDB0FC3140C2501859BE1772AC7B8C7E41DC0F40490A1"
	a1b2c3PubHex = "a1b2c3d3ba9f5fa8705b9845fe11cc6f01d1d49caaf4d122ac7121663c5beec7"

	// dmFullPacketHex is a full TEXT_MESSAGE frame: header 0x09
	// (route=FLOOD, payload_type=TEXT_MESSAGE), path_length 0, then
	// [dest_hash:1][src_hash:1][mac:2][ciphertext] decrypting to
	// "Hello there, Mr. Face!".
	dmFullPacketHex = "0900FAA1295471ADB44A98B13CA528A4B5C4FBC29B4DA3CED477519B2FBD8FD5467C31E5D58B"
)

// TestProcessDirectMessageScenarioS4 feeds a real captured TEXT_MESSAGE
// packet through ProcessRawPacket end to end, exercising
// processDirectMessage's direction-detection table: dest_hash matches our
// own key's first byte, so the candidate byte to resolve against the
// contact list is the src_hash.
func TestProcessDirectMessageScenarioS4(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.UpsertContact(&store.Contact{PublicKey: a1b2c3PubHex, Name: "Face"}); err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	ks := keystore.New()
	privBytes, err := hex.DecodeString(face12PrivHex)
	if err != nil {
		t.Fatalf("decode priv: %v", err)
	}
	if err := ks.Set(privBytes); err != nil {
		t.Fatalf("Set: %v", err)
	}

	b := bus.New()
	sub := &captureSubscriber{}
	b.Subscribe("test", sub)
	proc := New(db, ks, b)

	frame, err := hex.DecodeString(dmFullPacketHex)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if err := proc.ProcessRawPacket(frame, 1000); err != nil {
		t.Fatalf("ProcessRawPacket: %v", err)
	}

	msgs, err := db.GetMessages(store.MessageTypePriv, strings.ToLower(a1b2c3PubHex), 10, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 DM, got %d", len(msgs))
	}
	if msgs[0].Text != "Hello there, Mr. Face!" {
		t.Fatalf("text = %q, want %q", msgs[0].Text, "Hello there, Mr. Face!")
	}
}

// buildAdvertPacket assembles a full ADVERT frame with the given path,
// device role and advert timestamp, mirroring the wire layout
// decoder.ParseAdvertisement expects.
func buildAdvertPacket(t *testing.T, pubKey []byte, path []byte, deviceRole byte, timestamp uint32) []byte {
	t.Helper()
	payload := make([]byte, 101)
	copy(payload[0:32], pubKey)
	payload[32] = byte(timestamp)
	payload[33] = byte(timestamp >> 8)
	payload[34] = byte(timestamp >> 16)
	payload[35] = byte(timestamp >> 24)
	payload[100] = deviceRole

	header := byte(decoder.RouteFlood) | byte(decoder.PayloadAdvert)<<2
	frame := []byte{header, byte(len(path))}
	frame = append(frame, path...)
	frame = append(frame, payload...)
	return frame
}

// TestProcessAdvertisementScenarioS5 exercises processAdvertisement's
// path-freshness policy via ProcessRawPacket: a contact last seen with a
// 3-hop path is updated by a fresher, shorter 1-hop advert within the
// freshness window, and a subsequent longer 5-hop advert is rejected in
// favor of the already-shorter path.
func TestProcessAdvertisementScenarioS5(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	pubKey := make([]byte, 32)
	for i := range pubKey {
		pubKey[i] = 0xCD
	}
	pubKeyHex := hex.EncodeToString(pubKey)

	if err := db.UpsertContact(&store.Contact{
		PublicKey: pubKeyHex, Type: store.ContactTypeRepeater,
		LastPath: "aabbcc", LastPathLen: 3, LastSeen: 1000, LastAdvert: 1000,
	}); err != nil {
		t.Fatalf("seed UpsertContact: %v", err)
	}

	b := bus.New()
	sub := &captureSubscriber{}
	b.Subscribe("test", sub)
	proc := New(db, keystore.New(), b)

	// Advert at t=1050 with a shorter path (1 hop) replaces the stale 3-hop path.
	frame1 := buildAdvertPacket(t, pubKey, []byte{0xAA}, byte(store.ContactTypeRepeater), 1050)
	if err := proc.ProcessRawPacket(frame1, 1050); err != nil {
		t.Fatalf("ProcessRawPacket (first advert): %v", err)
	}

	c, err := db.GetContactByKey(pubKeyHex)
	if err != nil {
		t.Fatalf("GetContactByKey: %v", err)
	}
	if c.LastPath != "aa" || c.LastPathLen != 1 {
		t.Fatalf("after shorter advert: path=%q len=%d, want aa/1", c.LastPath, c.LastPathLen)
	}
	if c.LastSeen != 1050 {
		t.Fatalf("LastSeen = %d, want 1050", c.LastSeen)
	}

	// Advert at t=1055 with a longer path (5 hops) is rejected: the
	// existing 1-hop path is still fresh (within the window) and shorter.
	frame2 := buildAdvertPacket(t, pubKey, []byte{0x11, 0x22, 0x33, 0x44, 0x55}, byte(store.ContactTypeRepeater), 1055)
	if err := proc.ProcessRawPacket(frame2, 1055); err != nil {
		t.Fatalf("ProcessRawPacket (second advert): %v", err)
	}

	c, err = db.GetContactByKey(pubKeyHex)
	if err != nil {
		t.Fatalf("GetContactByKey: %v", err)
	}
	if c.LastPath != "aa" || c.LastPathLen != 1 {
		t.Fatalf("after longer advert: path=%q len=%d, want aa/1 (unchanged)", c.LastPath, c.LastPathLen)
	}
	if c.LastSeen != 1055 {
		t.Fatalf("LastSeen = %d, want 1055", c.LastSeen)
	}
}
