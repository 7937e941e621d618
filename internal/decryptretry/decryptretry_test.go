package decryptretry

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decoder"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/store"
)

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

func buildGroupTextFrame(t *testing.T, channelKey []byte, text string) []byte {
	t.Helper()
	plaintext := []byte{0, 0, 0, 0, 0}
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
	frame := []byte{header, 0x00}
	return append(frame, payload...)
}

func TestRunChannelKeySweepDecryptsPreviouslyUnknownChannel(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	b := bus.New()
	proc := processor.New(db, keystore.New(), b)
	runner := New(db, proc, b)

	channelKey := make([]byte, 16)
	for i := range channelKey {
		channelKey[i] = byte(i + 1)
	}
	frame := buildGroupTextFrame(t, channelKey, "Bob: secret channel")

	// Ingest before the key is known: it lands as undecrypted.
	if err := proc.ProcessRawPacket(frame, 1000); err != nil {
		t.Fatalf("ProcessRawPacket: %v", err)
	}
	n, err := db.GetUndecryptedCount()
	if err != nil {
		t.Fatalf("GetUndecryptedCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 undecrypted packet before the sweep, got %d", n)
	}

	channelKeyHex := "0102030405060708090A0B0C0D0E0F10"
	jobID, err := runner.RunChannelKeySweep(channelKeyHex, "Secret")
	if err != nil {
		t.Fatalf("RunChannelKeySweep: %v", err)
	}
	if jobID == "" {
		t.Fatal("expected a non-empty job id")
	}

	n, err = db.GetUndecryptedCount()
	if err != nil {
		t.Fatalf("GetUndecryptedCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 undecrypted packets after the sweep, got %d", n)
	}

	msgs, err := db.GetMessages(store.MessageTypeChan, channelKeyHex, 10, 0, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "Bob: secret channel" {
		t.Fatalf("expected the retried message to be stored, got %+v", msgs)
	}
}

func TestRunChannelKeySweepNoMatchLeavesPacketUndecrypted(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	b := bus.New()
	proc := processor.New(db, keystore.New(), b)
	runner := New(db, proc, b)

	realKey := make([]byte, 16)
	for i := range realKey {
		realKey[i] = byte(i + 1)
	}
	frame := buildGroupTextFrame(t, realKey, "Bob: secret channel")
	if err := proc.ProcessRawPacket(frame, 1000); err != nil {
		t.Fatalf("ProcessRawPacket: %v", err)
	}

	wrongKeyHex := "00000000000000000000000000000000"[:32]
	if _, err := runner.RunChannelKeySweep(wrongKeyHex, "Wrong"); err != nil {
		t.Fatalf("RunChannelKeySweep: %v", err)
	}

	n, err := db.GetUndecryptedCount()
	if err != nil {
		t.Fatalf("GetUndecryptedCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected packet to remain undecrypted with the wrong key, got count %d", n)
	}
}
