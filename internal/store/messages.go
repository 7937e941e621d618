package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateMessage is returned by CreateMessage when an identical
// (type, conversation_key, text, sender_timestamp) row already exists.
// Callers use this to fall back to AddMessagePath + ack bookkeeping
// instead of treating the packet as a new message.
var ErrDuplicateMessage = errors.New("store: duplicate message")

// CreateMessage inserts a new message with a single initial path. On a
// uniqueness conflict it returns ErrDuplicateMessage and no row is
// inserted; the caller is expected to call AddMessagePath instead.
func (db *DB) CreateMessage(m *Message, path string, receivedAt int64) (int64, error) {
	paths := []MessagePath{{Path: path, ReceivedAt: receivedAt}}
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return 0, err
	}

	res, err := db.conn.Exec(`
		INSERT OR IGNORE INTO messages
			(type, conversation_key, text, sender_timestamp, received_at, paths, txt_type, signature, outgoing, acked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Type, m.ConversationKey, m.Text, m.SenderTimestamp, m.ReceivedAt, string(pathsJSON),
		m.TxtType, nullString(m.Signature), m.Outgoing, m.Acked)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrDuplicateMessage
	}
	return res.LastInsertId()
}

// AddMessagePath appends a newly observed path to an existing message's
// paths array and returns the updated list.
func (db *DB) AddMessagePath(messageID int64, path string, receivedAt int64) ([]MessagePath, error) {
	var raw sql.NullString
	if err := db.conn.QueryRow("SELECT paths FROM messages WHERE id = ?", messageID).Scan(&raw); err != nil {
		return nil, err
	}

	var paths []MessagePath
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &paths); err != nil {
			return nil, fmt.Errorf("store: corrupt paths for message %d: %w", messageID, err)
		}
	}
	paths = append(paths, MessagePath{Path: path, ReceivedAt: receivedAt})

	encoded, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	if _, err := db.conn.Exec("UPDATE messages SET paths = ? WHERE id = ?", string(encoded), messageID); err != nil {
		return nil, err
	}
	return paths, nil
}

// ClaimPrefixMessages promotes every PRIV message whose conversation_key
// is a strict prefix of fullKey to use fullKey instead, but only when
// fullKey is the unique contact matching that prefix. This resolves the
// "dual DM ingest" ambiguity: a message ingested
// before the sender's full key was known is later reconciled once an
// advertisement resolves the prefix to exactly one contact.
func (db *DB) ClaimPrefixMessages(fullKey string) (int64, error) {
	fullKey = strings.ToLower(fullKey)
	res, err := db.conn.Exec(`
		UPDATE messages SET conversation_key = ?
		WHERE type = 'PRIV'
		  AND length(conversation_key) < 64
		  AND ? LIKE conversation_key || '%'
		  AND (SELECT COUNT(*) FROM contacts WHERE public_key LIKE messages.conversation_key || '%') = 1
	`, fullKey, fullKey)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var messageColumns = "id, type, conversation_key, text, sender_timestamp, received_at, paths, txt_type, signature, outgoing, acked"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	m := &Message{}
	var senderTimestamp sql.NullInt64
	var pathsRaw sql.NullString
	var signature sql.NullString

	if err := row.Scan(&m.ID, &m.Type, &m.ConversationKey, &m.Text, &senderTimestamp, &m.ReceivedAt,
		&pathsRaw, &m.TxtType, &signature, &m.Outgoing, &m.Acked); err != nil {
		return nil, err
	}

	if senderTimestamp.Valid {
		v := senderTimestamp.Int64
		m.SenderTimestamp = &v
	}
	m.Signature = signature.String

	if pathsRaw.Valid && pathsRaw.String != "" {
		if err := json.Unmarshal([]byte(pathsRaw.String), &m.Paths); err != nil {
			return nil, fmt.Errorf("store: corrupt paths for message %d: %w", m.ID, err)
		}
	}
	return m, nil
}

// GetMessages returns messages for a conversation, newest first, with
// cursor pagination on (received_at, id). conversationKey may be a
// prefix: messages are matched with LIKE conversationKey || '%'.
func (db *DB) GetMessages(msgType, conversationKey string, limit int, beforeReceivedAt int64, beforeID int64) ([]*Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE type = ? AND conversation_key LIKE ?"
	args := []interface{}{msgType, conversationKey + "%"}

	if beforeReceivedAt != 0 {
		query += " AND (received_at < ? OR (received_at = ? AND id < ?))"
		args = append(args, beforeReceivedAt, beforeReceivedAt, beforeID)
	}
	query += " ORDER BY received_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessageByContent looks up the exact message matching all four
// uniqueness columns, used after a duplicate insert to find the existing
// row to attach a new path to.
func (db *DB) GetMessageByContent(msgType, conversationKey, text string, senderTimestamp *int64) (*Message, error) {
	var row *sql.Row
	if senderTimestamp == nil {
		row = db.conn.QueryRow("SELECT "+messageColumns+" FROM messages WHERE type = ? AND conversation_key = ? AND text = ? AND sender_timestamp IS NULL",
			msgType, conversationKey, text)
	} else {
		row = db.conn.QueryRow("SELECT "+messageColumns+" FROM messages WHERE type = ? AND conversation_key = ? AND text = ? AND sender_timestamp = ?",
			msgType, conversationKey, text, *senderTimestamp)
	}
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// IncrementAckCount bumps a message's acked counter by one, for an
// outgoing message that received a duplicate echo back (its delivery
// confirmation).
func (db *DB) IncrementAckCount(messageID int64) (int, error) {
	if _, err := db.conn.Exec("UPDATE messages SET acked = acked + 1 WHERE id = ?", messageID); err != nil {
		return 0, err
	}
	return db.GetAckCount(messageID)
}

// GetAckCount returns a message's current acked counter.
func (db *DB) GetAckCount(messageID int64) (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT acked FROM messages WHERE id = ?", messageID).Scan(&n)
	return n, err
}

// GetUnreadCounts computes, for every conversation, the number of unread
// inbound messages, whether any mentions the given display name, and the
// timestamp of its most recent message regardless of read state. name is
// matched against the literal "@[name]" mention token inside message text.
func (db *DB) GetUnreadCounts(name string) (*UnreadSummary, error) {
	summary := &UnreadSummary{
		Counts:           make(map[string]int),
		Mentions:         make(map[string]bool),
		LastMessageTimes: make(map[string]int64),
	}

	mention := "@[" + name + "]"

	channelRows, err := db.conn.Query(`
		SELECT m.conversation_key, COUNT(*), SUM(CASE WHEN INSTR(m.text, ?) > 0 THEN 1 ELSE 0 END)
		FROM messages m
		JOIN channels c ON c.key = m.conversation_key
		WHERE m.type = 'CHAN' AND m.outgoing = 0 AND m.received_at > COALESCE(c.last_read_at, 0)
		GROUP BY m.conversation_key
	`, mention)
	if err != nil {
		return nil, err
	}
	defer channelRows.Close()
	for channelRows.Next() {
		var key string
		var count, mentions int
		if err := channelRows.Scan(&key, &count, &mentions); err != nil {
			return nil, err
		}
		id := "channel-" + key
		summary.Counts[id] = count
		if mentions > 0 {
			summary.Mentions[id] = true
		}
	}
	if err := channelRows.Err(); err != nil {
		return nil, err
	}

	contactRows, err := db.conn.Query(`
		SELECT m.conversation_key, COUNT(*), SUM(CASE WHEN INSTR(m.text, ?) > 0 THEN 1 ELSE 0 END)
		FROM messages m
		JOIN contacts ct ON ct.public_key = m.conversation_key
		WHERE m.type = 'PRIV' AND m.outgoing = 0 AND m.received_at > COALESCE(ct.last_read_at, 0)
		GROUP BY m.conversation_key
	`, mention)
	if err != nil {
		return nil, err
	}
	defer contactRows.Close()
	for contactRows.Next() {
		var key string
		var count, mentions int
		if err := contactRows.Scan(&key, &count, &mentions); err != nil {
			return nil, err
		}
		id := "contact-" + key
		summary.Counts[id] = count
		if mentions > 0 {
			summary.Mentions[id] = true
		}
	}
	if err := contactRows.Err(); err != nil {
		return nil, err
	}

	lastRows, err := db.conn.Query(`
		SELECT type, conversation_key, MAX(received_at) FROM messages GROUP BY type, conversation_key
	`)
	if err != nil {
		return nil, err
	}
	defer lastRows.Close()
	for lastRows.Next() {
		var msgType, key string
		var lastAt int64
		if err := lastRows.Scan(&msgType, &key, &lastAt); err != nil {
			return nil, err
		}
		prefix := "contact-"
		if msgType == MessageTypeChan {
			prefix = "channel-"
		}
		summary.LastMessageTimes[prefix+key] = lastAt
	}
	return summary, lastRows.Err()
}
