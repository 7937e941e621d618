// Package keystore holds the process-lifetime identity exported from the
// radio: a 64-byte private key and its derived 32-byte public key. Nothing
// here ever touches disk.
package keystore

import (
	"errors"
	"sync"

	"github.com/agsys/meshgate/internal/decoder"
)

// ErrWrongLength is returned by Set when the supplied key isn't 64 bytes.
var ErrWrongLength = errors.New("keystore: private key must be 64 bytes")

// Store is a mutex-guarded holder for the current identity. The zero value
// is ready to use and holds no key.
type Store struct {
	mu      sync.RWMutex
	private []byte
	public  []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Set validates and stores a new private key, deriving and caching its
// public key. On validation failure the previous state is left untouched.
func (s *Store) Set(private []byte) error {
	if len(private) != 64 {
		return ErrWrongLength
	}
	public, err := decoder.DerivePublicKey(private)
	if err != nil {
		return err
	}

	priv := make([]byte, 64)
	copy(priv, private)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = priv
	s.public = public
	return nil
}

// PrivateKey returns the current private key, or nil if none is set.
func (s *Store) PrivateKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.private == nil {
		return nil
	}
	out := make([]byte, len(s.private))
	copy(out, s.private)
	return out
}

// PublicKey returns the current derived public key, or nil if none is set.
func (s *Store) PublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.public == nil {
		return nil
	}
	out := make([]byte, len(s.public))
	copy(out, s.public)
	return out
}

// Has reports whether an identity is currently held.
func (s *Store) Has() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.private != nil
}

// Clear wipes the held identity. Called when the radio is disconnected and
// may come back with a different identity.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.private = nil
	s.public = nil
}

// ExportOutcome describes the result of attempting to export the private
// key from the radio during post-connect setup.
type ExportOutcome int

const (
	// ExportSucceeded means the radio returned a private key and the
	// keystore now holds it.
	ExportSucceeded ExportOutcome = iota
	// ExportDisabled means the firmware forbids key export. This is an
	// expected, non-error outcome: server-side DM decrypt is simply
	// unavailable until the user supplies keys directly to C8.
	ExportDisabled
	// ExportFailed means the radio returned something else (an error
	// payload, a timeout, or malformed data).
	ExportFailed
)

// ApplyExport updates the keystore given the outcome of a key-export
// attempt. private is only consulted when outcome is ExportSucceeded.
func (s *Store) ApplyExport(outcome ExportOutcome, private []byte) error {
	switch outcome {
	case ExportSucceeded:
		return s.Set(private)
	case ExportDisabled, ExportFailed:
		return nil
	default:
		return nil
	}
}
