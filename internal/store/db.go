// Package store is the SQLite-backed persistence layer: contacts,
// channels, messages, raw packets, and app settings, behind a single
// process-wide connection.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection shared by every repository.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database at path and brings it up to
// the latest schema version.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migration is one ordered, idempotent schema step. Version numbers track
// the SQLite user_version pragma.
type migration struct {
	version int
	apply   func(*sql.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateV1CreateTables},
	{version: 2, apply: migrateV2SeedPublicChannel},
}

func (db *DB) userVersion() (int, error) {
	var v int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (db *DB) setUserVersion(v int) error {
	_, err := db.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// migrate runs every migration whose version is newer than the database's
// current user_version, each in its own transaction, committed before the
// pragma advances. Running migrate twice applies zero new migrations.
func (db *DB) migrate() error {
	current, err := db.userVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.Begin()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d commit: %w", m.version, err)
		}
		if err := db.setUserVersion(m.version); err != nil {
			return fmt.Errorf("migration %d set version: %w", m.version, err)
		}
	}
	return nil
}

func migrateV1CreateTables(tx *sql.Tx) error {
	schema := `
	CREATE TABLE IF NOT EXISTS contacts (
		public_key TEXT PRIMARY KEY,
		name TEXT,
		type INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,
		last_path TEXT,
		last_path_len INTEGER NOT NULL DEFAULT -1,
		last_advert INTEGER,
		lat REAL,
		lon REAL,
		last_seen INTEGER,
		on_radio INTEGER NOT NULL DEFAULT 0,
		last_contacted INTEGER,
		last_read_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_on_radio ON contacts(on_radio);

	CREATE TABLE IF NOT EXISTS channels (
		key TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		is_hashtag INTEGER NOT NULL DEFAULT 0,
		on_radio INTEGER NOT NULL DEFAULT 0,
		last_read_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		conversation_key TEXT NOT NULL,
		text TEXT NOT NULL,
		sender_timestamp INTEGER,
		received_at INTEGER NOT NULL,
		paths TEXT,
		txt_type INTEGER NOT NULL DEFAULT 0,
		signature TEXT,
		outgoing INTEGER NOT NULL DEFAULT 0,
		acked INTEGER NOT NULL DEFAULT 0,
		UNIQUE(type, conversation_key, text, sender_timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_type_conv ON messages(type, conversation_key);
	CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);

	CREATE TABLE IF NOT EXISTS raw_packets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		data BLOB NOT NULL,
		message_id INTEGER REFERENCES messages(id),
		payload_hash TEXT UNIQUE NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_packets_message_id ON raw_packets(message_id);

	CREATE TABLE IF NOT EXISTS app_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		max_radio_contacts INTEGER NOT NULL DEFAULT 8,
		experimental_channel_double_send INTEGER NOT NULL DEFAULT 0,
		favorites TEXT,
		auto_decrypt_dm_on_advert INTEGER NOT NULL DEFAULT 0,
		sidebar_sort_order TEXT NOT NULL DEFAULT 'recent',
		last_message_times TEXT,
		preferences_migrated INTEGER NOT NULL DEFAULT 0,
		advert_interval INTEGER NOT NULL DEFAULT 0,
		last_advert_time INTEGER NOT NULL DEFAULT 0,
		bots TEXT
	);
	INSERT OR IGNORE INTO app_settings (id) VALUES (1);
	`
	_, err := tx.Exec(schema)
	return err
}

// migrateV2SeedPublicChannel ensures the canonical Public channel exists.
// It is idempotent: re-running it never creates a duplicate row and leaves
// an existing row's name unchanged.
func migrateV2SeedPublicChannel(tx *sql.Tx) error {
	_, err := tx.Exec(`
		INSERT INTO channels (key, name, is_hashtag, on_radio)
		VALUES (?, 'Public', 0, 0)
		ON CONFLICT(key) DO NOTHING
	`, PublicChannelKey)
	return err
}

// DatabaseSizeBytes reports the on-disk size of the SQLite file via the
// page_count/page_size pragmas, backing the health snapshot's
// database_size_mb field.
func (db *DB) DatabaseSizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := db.conn.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := db.conn.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// dropColumnBestEffort attempts ALTER TABLE ... DROP COLUMN, tolerating
// engines too old to support it by logging and leaving the column in
// place, matching the fail-tolerant migration contract.
func dropColumnBestEffort(tx *sql.Tx, table, column string) {
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, column)); err != nil {
		log.Printf("store: could not drop column %s.%s (older sqlite3 build?): %v", table, column, err)
	}
}
