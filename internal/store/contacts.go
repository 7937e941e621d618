package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrAmbiguousPrefix is returned by GetByKeyOrPrefix when more than one
// contact matches a short prefix.
var ErrAmbiguousPrefix = errors.New("store: ambiguous prefix match")

// UpsertContact inserts or merges a contact. Conflict target is
// public_key (forced lower-case). name/path/advert/lat/lon
// preserve the old value when the new one is null; type preserves old
// when new is 0; flags and last_seen/on_radio always overwrite;
// last_contacted preserves old when new is null.
func (db *DB) UpsertContact(c *Contact) error {
	c.PublicKey = strings.ToLower(c.PublicKey)

	var lastContacted interface{}
	if c.LastContacted != 0 {
		lastContacted = c.LastContacted
	}
	var lastAdvert interface{}
	if c.LastAdvert != 0 {
		lastAdvert = c.LastAdvert
	}

	_, err := db.conn.Exec(`
		INSERT INTO contacts (public_key, name, type, flags, last_path, last_path_len,
		                      last_advert, lat, lon, last_seen, on_radio, last_contacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			name = COALESCE(excluded.name, contacts.name),
			type = CASE WHEN excluded.type = 0 THEN contacts.type ELSE excluded.type END,
			flags = excluded.flags,
			last_path = COALESCE(excluded.last_path, contacts.last_path),
			last_path_len = excluded.last_path_len,
			last_advert = COALESCE(excluded.last_advert, contacts.last_advert),
			lat = COALESCE(excluded.lat, contacts.lat),
			lon = COALESCE(excluded.lon, contacts.lon),
			last_seen = excluded.last_seen,
			on_radio = excluded.on_radio,
			last_contacted = COALESCE(excluded.last_contacted, contacts.last_contacted)
	`,
		c.PublicKey, nullString(c.Name), c.Type, c.Flags, nullString(c.LastPath), c.LastPathLen,
		lastAdvert, c.Lat, c.Lon, c.LastSeen, c.OnRadio, lastContacted,
	)
	return err
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var contactColumns = `public_key, name, type, flags, last_path, last_path_len,
	last_advert, lat, lon, last_seen, on_radio, last_contacted, last_read_at`

func scanContact(row interface{ Scan(...any) error }) (*Contact, error) {
	c := &Contact{}
	var name, lastPath sql.NullString
	var lastAdvert, lastSeen, lastContacted, lastReadAt sql.NullInt64
	var lat, lon sql.NullFloat64

	if err := row.Scan(&c.PublicKey, &name, &c.Type, &c.Flags, &lastPath, &c.LastPathLen,
		&lastAdvert, &lat, &lon, &lastSeen, &c.OnRadio, &lastContacted, &lastReadAt); err != nil {
		return nil, err
	}

	c.Name = name.String
	c.LastPath = lastPath.String
	c.LastAdvert = lastAdvert.Int64
	c.LastSeen = lastSeen.Int64
	c.LastContacted = lastContacted.Int64
	c.LastReadAt = lastReadAt.Int64
	if lat.Valid {
		v := lat.Float64
		c.Lat = &v
	}
	if lon.Valid {
		v := lon.Float64
		c.Lon = &v
	}
	return c, nil
}

// GetContactByKey returns the contact with an exact public-key match, or
// nil if none exists.
func (db *DB) GetContactByKey(key string) (*Contact, error) {
	row := db.conn.QueryRow("SELECT "+contactColumns+" FROM contacts WHERE public_key = ?", strings.ToLower(key))
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetContactByKeyPrefix returns the single contact whose key starts with
// prefix, nil if none match, or ErrAmbiguousPrefix if more than one does.
func (db *DB) GetContactByKeyPrefix(prefix string) (*Contact, error) {
	rows, err := db.conn.Query("SELECT "+contactColumns+" FROM contacts WHERE public_key LIKE ? LIMIT 2", strings.ToLower(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousPrefix
	}
}

// GetContactByKeyOrPrefix tries an exact match first, falling back to a
// prefix match. Useful when the caller might have a full key or a short
// prefix.
func (db *DB) GetContactByKeyOrPrefix(keyOrPrefix string) (*Contact, error) {
	if len(keyOrPrefix) == 64 {
		return db.GetContactByKey(keyOrPrefix)
	}
	c, err := db.GetContactByKey(keyOrPrefix)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	return db.GetContactByKeyPrefix(keyOrPrefix)
}

// GetAllContacts returns contacts ordered by display name (falling back
// to public key), paginated. A limit of zero or less returns every contact
// from offset on.
func (db *DB) GetAllContacts(limit, offset int) ([]*Contact, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.Query("SELECT "+contactColumns+" FROM contacts ORDER BY COALESCE(name, public_key) LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetRecentNonRepeaters returns the most recently active non-repeater
// contacts, for the sync loop's recent-contacts push (?4.6).
func (db *DB) GetRecentNonRepeaters(limit int) ([]*Contact, error) {
	rows, err := db.conn.Query(`
		SELECT `+contactColumns+` FROM contacts
		WHERE type != ?
		ORDER BY COALESCE(last_contacted, 0) DESC, COALESCE(last_advert, 0) DESC
		LIMIT ?
	`, ContactTypeRepeater, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateContactPath updates only a contact's path bookkeeping and last_seen.
func (db *DB) UpdateContactPath(publicKey, path string, pathLen int) error {
	_, err := db.conn.Exec(`
		UPDATE contacts SET last_path = ?, last_path_len = ?, last_seen = ? WHERE public_key = ?
	`, path, pathLen, time.Now().Unix(), strings.ToLower(publicKey))
	return err
}

// SetContactOnRadio flips the on_radio flag.
func (db *DB) SetContactOnRadio(publicKey string, onRadio bool) error {
	_, err := db.conn.Exec("UPDATE contacts SET on_radio = ? WHERE public_key = ?", onRadio, strings.ToLower(publicKey))
	return err
}

// DeleteContact removes a contact. Contacts are only ever deleted via
// explicit API call, never automatically.
func (db *DB) DeleteContact(publicKey string) error {
	_, err := db.conn.Exec("DELETE FROM contacts WHERE public_key = ?", strings.ToLower(publicKey))
	return err
}

// UpdateLastContacted bumps last_contacted (and last_seen) to ts, or now
// if ts is zero.
func (db *DB) UpdateLastContacted(publicKey string, ts int64) error {
	if ts == 0 {
		ts = time.Now().Unix()
	}
	_, err := db.conn.Exec("UPDATE contacts SET last_contacted = ?, last_seen = ? WHERE public_key = ?",
		ts, ts, strings.ToLower(publicKey))
	return err
}

// UpdateContactLastReadAt sets last_read_at and reports whether a row was
// affected.
func (db *DB) UpdateContactLastReadAt(publicKey string, ts int64) (bool, error) {
	if ts == 0 {
		ts = time.Now().Unix()
	}
	res, err := db.conn.Exec("UPDATE contacts SET last_read_at = ? WHERE public_key = ?", ts, strings.ToLower(publicKey))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllContactsRead sets last_read_at on every contact.
func (db *DB) MarkAllContactsRead(ts int64) error {
	_, err := db.conn.Exec("UPDATE contacts SET last_read_at = ?", ts)
	return err
}

// GetContactsByFirstByte returns contacts whose public key starts with the
// given 2-hex-char byte, used for DM direction detection (?4.5).
func (db *DB) GetContactsByFirstByte(hexByte string) ([]*Contact, error) {
	rows, err := db.conn.Query("SELECT "+contactColumns+" FROM contacts WHERE substr(public_key, 1, 2) = ?", strings.ToLower(hexByte))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
