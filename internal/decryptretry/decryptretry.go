// Package decryptretry runs on-demand sweeps of previously-unresolved raw
// packets against a caller-supplied key, for channels or direct-message
// peers whose key wasn't known (or wasn't yet in the store) at ingest
// time. This is C8.
package decryptretry

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decoder"
	"github.com/agsys/meshgate/internal/processor"
	"github.com/agsys/meshgate/internal/store"
)

// Runner dispatches decrypt-retry jobs. Multiple jobs may run
// concurrently; each iterates its own isolated copy of the undecrypted
// packet set.
type Runner struct {
	store     *store.DB
	processor *processor.Processor
	bus       *bus.Bus
}

// New builds a Runner.
func New(db *store.DB, proc *processor.Processor, b *bus.Bus) *Runner {
	return &Runner{store: db, processor: proc, bus: b}
}

// jobResult is published on the bus as a "success" event when a sweep
// completes.
type jobResult struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Scanned   int    `json:"scanned"`
	Decrypted int    `json:"decrypted"`
}

// RunChannelKeySweep tries a single channel key against every
// currently-undecrypted packet, upserting the channel into the store
// first so any newly-decrypted messages have somewhere to attach. It
// runs synchronously in the caller's goroutine; callers wanting
// concurrent jobs should launch it in its own goroutine and track the
// returned job id themselves.
func (r *Runner) RunChannelKeySweep(channelKeyHex, channelName string) (jobID string, err error) {
	jobID = uuid.NewString()

	if _, err := hex.DecodeString(channelKeyHex); err != nil {
		return jobID, fmt.Errorf("decryptretry: bad channel key: %w", err)
	}
	if err := r.store.UpsertChannel(&store.Channel{Key: channelKeyHex, Name: channelName}); err != nil {
		return jobID, fmt.Errorf("decryptretry: upsert channel: %w", err)
	}

	packets, err := r.store.GetAllUndecryptedPackets()
	if err != nil {
		return jobID, fmt.Errorf("decryptretry: list undecrypted packets: %w", err)
	}

	decrypted := 0
	for _, pkt := range packets {
		pt, ok := decoder.PayloadTypeOf(pkt.Data)
		if !ok || pt != decoder.PayloadGroupText {
			continue
		}
		ok, err := r.processor.DecryptWithChannelKey(pkt, channelKeyHex)
		if err != nil {
			log.Printf("decryptretry: channel sweep packet %d: %v", pkt.ID, err)
			continue
		}
		if ok {
			decrypted++
		}
	}

	r.bus.Publish(bus.EventSuccess, jobResult{
		JobID: jobID, Kind: "channel", Scanned: len(packets), Decrypted: decrypted,
	})
	return jobID, nil
}

// RunDMKeySweep tries a single (ourPrivate, peerPublic) pair against
// every currently-undecrypted TEXT_MESSAGE packet. Pre-filtering to
// TEXT_MESSAGE avoids wasting an ECDH derivation on packets that could
// never be a DM.
func (r *Runner) RunDMKeySweep(ourPrivateHex, peerPublicHex string) (jobID string, err error) {
	jobID = uuid.NewString()

	ourPrivate, err := hex.DecodeString(ourPrivateHex)
	if err != nil {
		return jobID, fmt.Errorf("decryptretry: bad private key: %w", err)
	}
	peerPublic, err := hex.DecodeString(peerPublicHex)
	if err != nil {
		return jobID, fmt.Errorf("decryptretry: bad peer public key: %w", err)
	}
	ourPublic, err := decoder.DerivePublicKey(ourPrivate)
	if err != nil {
		return jobID, fmt.Errorf("decryptretry: derive our public key: %w", err)
	}

	packets, err := r.store.GetUndecryptedTextMessages()
	if err != nil {
		return jobID, fmt.Errorf("decryptretry: list undecrypted text messages: %w", err)
	}

	decrypted := 0
	for _, pkt := range packets {
		ok, err := r.processor.DecryptWithDMKey(pkt, ourPrivate, peerPublic, ourPublic, peerPublicHex)
		if err != nil {
			log.Printf("decryptretry: DM sweep packet %d: %v", pkt.ID, err)
			continue
		}
		if ok {
			decrypted++
		}
	}

	r.bus.Publish(bus.EventSuccess, jobResult{
		JobID: jobID, Kind: "dm", Scanned: len(packets), Decrypted: decrypted,
	})
	return jobID, nil
}
