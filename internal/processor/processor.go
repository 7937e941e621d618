// Package processor turns raw radio frames into stored, deduplicated
// messages and contact/channel state, publishing live events as it goes.
// This is C5: the only component that writes messages derived from
// received packets.
package processor

import (
	"encoding/hex"
	"log"
	"strings"

	"github.com/agsys/meshgate/internal/bus"
	"github.com/agsys/meshgate/internal/decoder"
	"github.com/agsys/meshgate/internal/keystore"
	"github.com/agsys/meshgate/internal/store"
)

// PathFreshnessWindow is how recently a contact must have been seen for
// its existing (shorter-or-equal) path to be preferred over a new
// advertisement's path, policy.
const PathFreshnessWindow = 60 // seconds

// Processor wires the decoder's pure functions to the store and the
// event bus.
type Processor struct {
	store    *store.DB
	keystore *keystore.Store
	bus      *bus.Bus

	// OnNonRepeaterContact is invoked after a non-repeater contact is
	// upserted from an advertisement, so the sync loop can schedule its
	// throttled recent-contacts push Nil is a valid
	// no-op default.
	OnNonRepeaterContact func()
}

// New builds a Processor.
func New(db *store.DB, ks *keystore.Store, b *bus.Bus) *Processor {
	return &Processor{store: db, keystore: ks, bus: b}
}

// rawPacketEvent is the payload published for every ingested frame.
type rawPacketEvent struct {
	ID            int64       `json:"id"`
	Timestamp     int64       `json:"timestamp"`
	PayloadType   string      `json:"payload_type"`
	Decrypted     bool        `json:"decrypted"`
	DecryptedInfo interface{} `json:"decrypted_info,omitempty"`
}

type decryptedInfo struct {
	ChannelName string `json:"channel_name,omitempty"`
	Sender      string `json:"sender,omitempty"`
}

// ProcessRawPacket is C5's entry point: dedup, classify, dispatch, and
// always publish the raw_packet feed event.
func (p *Processor) ProcessRawPacket(data []byte, now int64) error {
	packetID, isNew, err := p.store.CreateRawPacket(data, now)
	if err != nil {
		return err
	}

	info, err := decoder.ParsePacket(data)
	decrypted := false
	var dinfo *decryptedInfo
	payloadTypeName := "Unknown"

	if err == nil {
		payloadTypeName = info.PayloadType.String()

		switch info.PayloadType {
		case decoder.PayloadGroupText:
			if d, channelName, ok := p.processGroupText(packetID, data, now); ok {
				decrypted = true
				dinfo = &decryptedInfo{ChannelName: channelName, Sender: d.Sender}
			}
		case decoder.PayloadAdvert:
			if isNew {
				p.processAdvertisement(data, now)
			}
		case decoder.PayloadTextMessage:
			if isNew && p.keystore.Has() {
				if _, peer, ok := p.processDirectMessage(packetID, data, now); ok {
					decrypted = true
					dinfo = &decryptedInfo{Sender: peer}
				}
			}
		}
	}

	ev := rawPacketEvent{
		ID:          packetID,
		Timestamp:   now,
		PayloadType: payloadTypeName,
		Decrypted:   decrypted,
	}
	if dinfo != nil {
		ev.DecryptedInfo = dinfo
	}
	p.bus.Publish(bus.EventRawPacket, ev)
	return nil
}

// processGroupText tries every known channel key until one decrypts,
// exactly as packet_processor.py's channel-decryption loop does.
func (p *Processor) processGroupText(packetID int64, data []byte, now int64) (*decoder.DecryptedGroupText, string, bool) {
	channels, err := p.store.GetAllChannels()
	if err != nil {
		log.Printf("processor: list channels: %v", err)
		return nil, "", false
	}

	for _, ch := range channels {
		keyBytes, err := hex.DecodeString(ch.Key)
		if err != nil {
			continue
		}
		d, err := decoder.TryDecryptPacketWithChannelKey(data, keyBytes)
		if err != nil || d == nil {
			continue
		}

		info, _ := decoder.ParsePacket(data)
		pathHex := ""
		if info != nil {
			pathHex = hex.EncodeToString(info.Path)
		}

		p.createMessageFromDecrypted(packetID, store.MessageTypeChan, ch.Key, d.Sender, d.Message, d.Timestamp, now, pathHex)
		return d, ch.Name, true
	}
	return nil, "", false
}

// DecryptWithChannelKey retries one previously-unresolved packet against a
// caller-supplied channel key, for on-demand decrypt-retry jobs (C8) that
// run independently of the live channel list.
func (p *Processor) DecryptWithChannelKey(pkt *store.RawPacket, channelKeyHex string) (bool, error) {
	keyBytes, err := hex.DecodeString(channelKeyHex)
	if err != nil {
		return false, err
	}
	d, err := decoder.TryDecryptPacketWithChannelKey(pkt.Data, keyBytes)
	if err != nil || d == nil {
		return false, nil
	}
	info, _ := decoder.ParsePacket(pkt.Data)
	pathHex := ""
	if info != nil {
		pathHex = hex.EncodeToString(info.Path)
	}
	p.createMessageFromDecrypted(pkt.ID, store.MessageTypeChan, strings.ToUpper(channelKeyHex), d.Sender, d.Message, d.Timestamp, pkt.Timestamp, pathHex)
	return true, nil
}

// DecryptWithDMKey retries one previously-unresolved packet against a
// caller-supplied private key / peer public key pair, for on-demand
// decrypt-retry jobs (C8).
func (p *Processor) DecryptWithDMKey(pkt *store.RawPacket, ourPrivate, peerPublic, ourPublic []byte, peerKeyHex string) (bool, error) {
	d, err := decoder.TryDecryptDM(pkt.Data, ourPrivate, peerPublic, ourPublic)
	if err != nil || d == nil {
		return false, nil
	}
	info, _ := decoder.ParsePacket(pkt.Data)
	pathHex := ""
	if info != nil {
		pathHex = hex.EncodeToString(info.Path)
	}
	peerKey := strings.ToLower(peerKeyHex)
	p.createMessageFromDecrypted(pkt.ID, store.MessageTypePriv, peerKey, "", d.Message, d.Timestamp, pkt.Timestamp, pathHex)
	return true, nil
}

// createMessageFromDecrypted implements the create-or-echo contract
// shared by channel and direct messages: build the
// canonical text, try to create a new row, and on a duplicate fall back
// to appending a path and bumping the ack count for our own echoes.
// packetID is the raw_packets row this decode came from, linked via
// MarkRawPacketDecrypted so the decrypt-retry sweep (C8) never revisits it.
func (p *Processor) createMessageFromDecrypted(packetID int64, msgType, conversationKey, sender, message string, senderTimestamp uint32, receivedAt int64, pathHex string) {
	text := message
	if sender != "" {
		text = sender + ": " + message
	}

	ts := int64(senderTimestamp)
	m := &store.Message{
		Type:            msgType,
		ConversationKey: conversationKey,
		Text:            text,
		SenderTimestamp: &ts,
		ReceivedAt:      receivedAt,
	}

	id, err := p.store.CreateMessage(m, pathHex, receivedAt)
	if err == nil {
		if err := p.store.MarkRawPacketDecrypted(packetID, id); err != nil {
			log.Printf("processor: mark raw packet decrypted: %v", err)
		}
		p.bus.Publish(bus.EventMessage, map[string]interface{}{
			"id": id, "type": msgType, "conversation_key": conversationKey, "text": text,
		})
		return
	}
	if err != store.ErrDuplicateMessage {
		log.Printf("processor: create message: %v", err)
		return
	}

	existing, err := p.store.GetMessageByContent(msgType, conversationKey, text, &ts)
	if err != nil || existing == nil {
		log.Printf("processor: duplicate message vanished before lookup: %v", err)
		return
	}
	if err := p.store.MarkRawPacketDecrypted(packetID, existing.ID); err != nil {
		log.Printf("processor: mark raw packet decrypted: %v", err)
	}

	paths := existing.Paths
	if pathHex != "" {
		paths, err = p.store.AddMessagePath(existing.ID, pathHex, receivedAt)
		if err != nil {
			log.Printf("processor: add message path: %v", err)
		}
	}

	ackCount := existing.Acked
	if existing.Outgoing {
		ackCount, err = p.store.IncrementAckCount(existing.ID)
		if err != nil {
			log.Printf("processor: increment ack count: %v", err)
		}
	}

	p.bus.Publish(bus.EventMessageAcked, map[string]interface{}{
		"message_id": existing.ID, "ack_count": ackCount, "paths": paths,
	})
}

// processDirectMessage implements the direction-detection table from
// dest_hash/src_hash are the first two bytes of a
// TEXT_MESSAGE payload; O is our own pubkey's first byte.
func (p *Processor) processDirectMessage(packetID int64, data []byte, now int64) (*decoder.DecryptedDirectMessage, string, bool) {
	payload, err := decoder.ExtractPayload(data)
	if err != nil || len(payload) < 2 {
		return nil, "", false
	}

	ourPublic := p.keystore.PublicKey()
	if ourPublic == nil {
		return nil, "", false
	}
	ourFirstByte := hex.EncodeToString(ourPublic[:1])
	destHash := hex.EncodeToString(payload[0:1])
	srcHash := hex.EncodeToString(payload[1:2])

	destMatches := destHash == ourFirstByte
	srcMatches := srcHash == ourFirstByte

	var candidateByte string
	switch {
	case destMatches && !srcMatches:
		candidateByte = srcHash
	case !destMatches && srcMatches:
		candidateByte = destHash
	case destMatches && srcMatches:
		candidateByte = srcHash // ambiguous 1/256 collision: default to incoming
	default:
		return nil, "", false
	}

	candidates, err := p.store.GetContactsByFirstByte(candidateByte)
	if err != nil {
		log.Printf("processor: lookup DM candidates: %v", err)
		return nil, "", false
	}

	ourPrivate := p.keystore.PrivateKey()
	for _, c := range candidates {
		peerPublic, err := hex.DecodeString(c.PublicKey)
		if err != nil {
			continue
		}
		d, err := decoder.TryDecryptDM(data, ourPrivate, peerPublic, ourPublic)
		if err != nil || d == nil {
			continue
		}

		info, _ := decoder.ParsePacket(data)
		pathHex := ""
		if info != nil {
			pathHex = hex.EncodeToString(info.Path)
		}

		peerKey := strings.ToLower(c.PublicKey)
		p.createMessageFromDecrypted(packetID, store.MessageTypePriv, peerKey, "", d.Message, d.Timestamp, now, pathHex)
		return d, peerKey, true
	}
	return nil, "", false
}

// processAdvertisement applies the path-freshness policy and upserts the
// advertising contact, triggering the throttled recent-contacts push for
// non-repeaters.
func (p *Processor) processAdvertisement(data []byte, now int64) {
	adv, err := decoder.TryParseAdvertisement(data)
	if err != nil || adv == nil {
		return
	}

	key := strings.ToLower(adv.PublicKey)
	existing, err := p.store.GetContactByKey(key)
	if err != nil {
		log.Printf("processor: lookup advertising contact: %v", err)
		return
	}

	info, _ := decoder.ParsePacket(data)
	newPath := ""
	newPathLen := -1
	if info != nil {
		newPath = hex.EncodeToString(info.Path)
		newPathLen = len(info.Path)
	}

	finalPath := newPath
	finalPathLen := newPathLen
	if existing != nil {
		ageSeconds := now - existing.LastSeen
		if ageSeconds <= PathFreshnessWindow && existing.LastPathLen >= 0 && existing.LastPathLen <= newPathLen {
			finalPath = existing.LastPath
			finalPathLen = existing.LastPathLen
		}
	}

	contactType := int(adv.DeviceRole)
	if contactType == store.ContactTypeUnknown && existing != nil {
		contactType = existing.Type
	}

	c := &store.Contact{
		PublicKey:   key,
		Name:        adv.Name,
		Type:        contactType,
		LastPath:    finalPath,
		LastPathLen: finalPathLen,
		LastAdvert:  now,
		LastSeen:    now,
	}
	if adv.HasLoc {
		lat, lon := adv.Lat, adv.Lon
		c.Lat = &lat
		c.Lon = &lon
	}
	if err := p.store.UpsertContact(c); err != nil {
		log.Printf("processor: upsert advertising contact: %v", err)
		return
	}

	p.bus.Publish(bus.EventContact, c)

	if contactType != store.ContactTypeRepeater && p.OnNonRepeaterContact != nil {
		p.OnNonRepeaterContact()
	}
}
