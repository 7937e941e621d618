package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/agsys/meshgate/internal/decoder"
)

func payloadHash(data []byte) string {
	payload, err := decoder.ExtractPayload(data)
	if err != nil {
		payload = data
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CreateRawPacket records a raw frame for dedup and later decrypt-retry
// bookkeeping. It returns the row's id and whether it was newly inserted;
// a re-ingested duplicate frame returns the original row's id with
// isNew=false rather than erroring, since the same packet is routinely
// re-received over multiple paths.
func (db *DB) CreateRawPacket(data []byte, timestamp int64) (id int64, isNew bool, err error) {
	hash := payloadHash(data)

	res, err := db.conn.Exec(`
		INSERT OR IGNORE INTO raw_packets (timestamp, data, payload_hash) VALUES (?, ?, ?)
	`, timestamp, data, hash)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n > 0 {
		rowID, err := res.LastInsertId()
		return rowID, true, err
	}

	var existingID int64
	if err := db.conn.QueryRow("SELECT id FROM raw_packets WHERE payload_hash = ?", hash).Scan(&existingID); err != nil {
		return 0, false, err
	}
	return existingID, false, nil
}

// MarkRawPacketDecrypted links a raw packet to the message it decoded
// into.
func (db *DB) MarkRawPacketDecrypted(packetID, messageID int64) error {
	_, err := db.conn.Exec("UPDATE raw_packets SET message_id = ? WHERE id = ?", messageID, packetID)
	return err
}

// GetUndecryptedCount returns how many raw packets have never been
// attached to a decoded message.
func (db *DB) GetUndecryptedCount() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM raw_packets WHERE message_id IS NULL").Scan(&n)
	return n, err
}

// GetOldestUndecryptedTimestamp returns the timestamp of the
// longest-waiting undecrypted packet, or zero if there are none.
func (db *DB) GetOldestUndecryptedTimestamp() (int64, error) {
	var ts sql.NullInt64
	err := db.conn.QueryRow("SELECT MIN(timestamp) FROM raw_packets WHERE message_id IS NULL").Scan(&ts)
	return ts.Int64, err
}

func scanRawPacket(row interface{ Scan(...any) error }) (*RawPacket, error) {
	p := &RawPacket{}
	var messageID sql.NullInt64
	if err := row.Scan(&p.ID, &p.Timestamp, &p.Data, &messageID, &p.PayloadHash); err != nil {
		return nil, err
	}
	if messageID.Valid {
		v := messageID.Int64
		p.MessageID = &v
	}
	return p, nil
}

var rawPacketColumns = "id, timestamp, data, message_id, payload_hash"

// GetAllUndecryptedPackets returns every packet still awaiting a
// successful decrypt, oldest first, for the decrypt-retry sweep (C8).
func (db *DB) GetAllUndecryptedPackets() ([]*RawPacket, error) {
	rows, err := db.conn.Query("SELECT " + rawPacketColumns + " FROM raw_packets WHERE message_id IS NULL ORDER BY timestamp ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawPacket
	for rows.Next() {
		p, err := scanRawPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetUndecryptedTextMessages returns undecrypted packets whose header
// byte classifies as TEXT_MESSAGE, the subset a DM-capable key can make
// progress on.
func (db *DB) GetUndecryptedTextMessages() ([]*RawPacket, error) {
	all, err := db.GetAllUndecryptedPackets()
	if err != nil {
		return nil, err
	}
	var out []*RawPacket
	for _, p := range all {
		pt, ok := decoder.PayloadTypeOf(p.Data)
		if !ok {
			continue
		}
		if pt == decoder.PayloadTextMessage {
			out = append(out, p)
		}
	}
	return out, nil
}

// PruneOldUndecrypted deletes undecrypted packets older than maxAgeDays,
// keeping the raw_packets table from growing unbounded when a key is
// never supplied.
func (db *DB) PruneOldUndecrypted(nowUnix int64, maxAgeDays int) (int64, error) {
	cutoff := nowUnix - int64(maxAgeDays)*86400
	res, err := db.conn.Exec("DELETE FROM raw_packets WHERE message_id IS NULL AND timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
