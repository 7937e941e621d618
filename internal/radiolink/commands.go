package radiolink

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoMoreMessages is returned by GetMsg once the radio's queue drains.
var ErrNoMoreMessages = errors.New("radiolink: no more queued messages")

// GetMsg pulls one queued message frame from the radio, or
// ErrNoMoreMessages if the queue is empty. Used by the message-poll
// fallback loop.
func (m *Manager) GetMsg(ctx context.Context) ([]byte, error) {
	link, err := m.link0()
	if err != nil {
		return nil, err
	}
	f, err := link.Exchange(ctx, cmdGetMsg, nil)
	if err != nil {
		return nil, err
	}
	if f.Opcode == respNoMoreMsgs {
		return nil, ErrNoMoreMessages
	}
	return f.Payload, nil
}

// AddContact idempotently pushes a contact's public key onto the radio's
// working set.
func (m *Manager) AddContact(ctx context.Context, publicKeyHex string) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	keyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return fmt.Errorf("radiolink: bad contact key: %w", err)
	}
	_, err = link.Exchange(ctx, cmdAddContact, keyBytes)
	return err
}

// SetChannel loads a channel key into a temporary radio slot. Idempotent:
// loading the same key twice is a no-op from the radio's perspective.
func (m *Manager) SetChannel(ctx context.Context, keyHex string) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("radiolink: bad channel key: %w", err)
	}
	_, err = link.Exchange(ctx, cmdSetChannel, keyBytes)
	return err
}

// SendAdvert broadcasts a flood advertisement carrying our identity.
func (m *Manager) SendAdvert(ctx context.Context) error {
	link, err := m.link0()
	if err != nil {
		return err
	}
	_, err = link.Exchange(ctx, cmdSendAdvert, nil)
	return err
}

// SendResult carries the ACK correlation code the radio assigns to a sent
// message, along with its suggested timeout.
type SendResult struct {
	AckCode     string
	TimeoutMS   int
}

// SendTextMessage transmits either a DM (destPublicKeyHex set) or a
// channel message (channelKeyHex set); exactly one should be non-empty.
// timestamp is the caller-captured "now" that must match the value
// stored alongside the outgoing message row, so the mesh's echo lines up
// with the dedup key.
func (m *Manager) SendTextMessage(ctx context.Context, destPublicKeyHex, channelKeyHex, text string, timestamp int64) (*SendResult, error) {
	link, err := m.link0()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 64+len(text))
	var target []byte
	isChannel := byte(0)
	if channelKeyHex != "" {
		isChannel = 1
		target, err = hex.DecodeString(channelKeyHex)
	} else {
		target, err = hex.DecodeString(destPublicKeyHex)
	}
	if err != nil {
		return nil, fmt.Errorf("radiolink: bad target key: %w", err)
	}

	ts := make([]byte, 4)
	binary.LittleEndian.PutUint32(ts, uint32(timestamp))

	payload = append(payload, isChannel)
	payload = append(payload, byte(len(target)))
	payload = append(payload, target...)
	payload = append(payload, ts...)
	payload = append(payload, text...)

	f, err := link.Exchange(ctx, cmdSendTextMessage, payload)
	if err != nil {
		return nil, err
	}
	if len(f.Payload) < 1 {
		return nil, fmt.Errorf("radiolink: send response missing ack code")
	}
	return &SendResult{
		AckCode:   hex.EncodeToString(f.Payload[:min(4, len(f.Payload))]),
		TimeoutMS: 5000,
	}, nil
}

// RepeaterTelemetry requests telemetry from a repeater, using the shared
// operation lock and auto-fetch suspension required for repeater
// operations.
func (m *Manager) RepeaterTelemetry(ctx context.Context, repeaterPublicKeyHex string) ([]byte, error) {
	return m.repeaterExchange(ctx, cmdRepeaterTelemetry, repeaterPublicKeyHex, nil)
}

// RepeaterTrace requests a path trace from a repeater.
func (m *Manager) RepeaterTrace(ctx context.Context, repeaterPublicKeyHex string) ([]byte, error) {
	return m.repeaterExchange(ctx, cmdRepeaterTrace, repeaterPublicKeyHex, nil)
}

// RepeaterCLICommand sends a raw CLI command string to a repeater.
func (m *Manager) RepeaterCLICommand(ctx context.Context, repeaterPublicKeyHex, command string) ([]byte, error) {
	return m.repeaterExchange(ctx, cmdRepeaterCLI, repeaterPublicKeyHex, []byte(command))
}

func (m *Manager) repeaterExchange(ctx context.Context, opcode byte, repeaterPublicKeyHex string, extra []byte) ([]byte, error) {
	if err := m.lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer m.lock.Unlock()

	resume, err := m.SuspendAutoFetch(ctx)
	if err != nil {
		return nil, err
	}
	defer resume()

	link, err := m.link0()
	if err != nil {
		return nil, err
	}

	keyBytes, err := hex.DecodeString(repeaterPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("radiolink: bad repeater key: %w", err)
	}
	payload := append(append([]byte{}, keyBytes...), extra...)

	f, err := link.Exchange(ctx, opcode, payload)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}
