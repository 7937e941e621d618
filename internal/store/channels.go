package store

import (
	"database/sql"
	"strings"
)

// UpsertChannel inserts or replaces a channel's name/hashtag/on_radio
// fields. Unlike contacts, channel upsert has no COALESCE-preserve
// semantics: every field is overwritten unconditionally on conflict.
func (db *DB) UpsertChannel(c *Channel) error {
	key := strings.ToUpper(c.Key)
	_, err := db.conn.Exec(`
		INSERT INTO channels (key, name, is_hashtag, on_radio)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			is_hashtag = excluded.is_hashtag,
			on_radio = excluded.on_radio
	`, key, c.Name, c.IsHashtag, c.OnRadio)
	return err
}

// EnsurePublicChannel makes sure the Public channel exists, for the radio
// setup sequencer to call after an identity reset wipes channel state.
// Unlike the migration v2 seed, which leaves an existing row untouched, it
// goes through UpsertChannel, so an existing row's name is reset to
// "Public" and its is_hashtag and on_radio flags to false.
func (db *DB) EnsurePublicChannel() error {
	return db.UpsertChannel(&Channel{Key: PublicChannelKey, Name: "Public"})
}

var channelColumns = "key, name, is_hashtag, on_radio, last_read_at"

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	c := &Channel{}
	var lastReadAt sql.NullInt64
	if err := row.Scan(&c.Key, &c.Name, &c.IsHashtag, &c.OnRadio, &lastReadAt); err != nil {
		return nil, err
	}
	c.LastReadAt = lastReadAt.Int64
	return c, nil
}

// GetChannelByKey returns a channel by its exact key, or nil if absent.
func (db *DB) GetChannelByKey(key string) (*Channel, error) {
	row := db.conn.QueryRow("SELECT "+channelColumns+" FROM channels WHERE key = ?", strings.ToUpper(key))
	c, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetAllChannels returns every channel ordered by name.
func (db *DB) GetAllChannels() ([]*Channel, error) {
	rows, err := db.conn.Query("SELECT " + channelColumns + " FROM channels ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChannel removes a channel. The Public channel can be deleted like
// any other; EnsurePublicChannel recreates it on next setup.
func (db *DB) DeleteChannel(key string) error {
	_, err := db.conn.Exec("DELETE FROM channels WHERE key = ?", strings.ToUpper(key))
	return err
}

// UpdateChannelLastReadAt sets last_read_at and reports whether a row was
// affected.
func (db *DB) UpdateChannelLastReadAt(key string, ts int64) (bool, error) {
	res, err := db.conn.Exec("UPDATE channels SET last_read_at = ? WHERE key = ?", ts, strings.ToUpper(key))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllChannelsRead sets last_read_at on every channel.
func (db *DB) MarkAllChannelsRead(ts int64) error {
	_, err := db.conn.Exec("UPDATE channels SET last_read_at = ?", ts)
	return err
}
