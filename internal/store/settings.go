package store

import (
	"database/sql"
	"encoding/json"
	"log"
)

// GetSettings loads the single app_settings row. Malformed JSON in any of
// the encoded columns is logged and treated as empty rather than failing
// the whole read, matching the original frontend-compatibility fallback.
func (db *DB) GetSettings() (*AppSettings, error) {
	var (
		favoritesRaw, lastMessageTimesRaw, botsRaw sql.NullString
		sidebarSortOrder                           string
	)
	s := &AppSettings{}

	err := db.conn.QueryRow(`
		SELECT max_radio_contacts, experimental_channel_double_send, favorites,
		       auto_decrypt_dm_on_advert, sidebar_sort_order, last_message_times,
		       preferences_migrated, advert_interval, last_advert_time, bots
		FROM app_settings WHERE id = 1
	`).Scan(&s.MaxRadioContacts, &s.ExperimentalChannelDoubleSend, &favoritesRaw,
		&s.AutoDecryptDMOnAdvert, &sidebarSortOrder, &lastMessageTimesRaw,
		&s.PreferencesMigrated, &s.AdvertInterval, &s.LastAdvertTime, &botsRaw)
	if err != nil {
		return nil, err
	}

	if sidebarSortOrder != "recent" && sidebarSortOrder != "alpha" {
		log.Printf("store: invalid sidebar_sort_order %q, defaulting to recent", sidebarSortOrder)
		sidebarSortOrder = "recent"
	}
	s.SidebarSortOrder = sidebarSortOrder

	if favoritesRaw.Valid && favoritesRaw.String != "" {
		if err := json.Unmarshal([]byte(favoritesRaw.String), &s.Favorites); err != nil {
			log.Printf("store: could not parse favorites JSON, defaulting to empty: %v", err)
			s.Favorites = nil
		}
	}
	if lastMessageTimesRaw.Valid && lastMessageTimesRaw.String != "" {
		if err := json.Unmarshal([]byte(lastMessageTimesRaw.String), &s.LastMessageTimes); err != nil {
			log.Printf("store: could not parse last_message_times JSON, defaulting to empty: %v", err)
			s.LastMessageTimes = nil
		}
	}
	if s.LastMessageTimes == nil {
		s.LastMessageTimes = make(map[string]int64)
	}
	if botsRaw.Valid && botsRaw.String != "" {
		if err := json.Unmarshal([]byte(botsRaw.String), &s.Bots); err != nil {
			log.Printf("store: could not parse bots JSON, defaulting to empty: %v", err)
			s.Bots = nil
		}
	}

	return s, nil
}

// SettingsUpdate carries only the fields the caller wants to change; nil
// fields are left untouched, mirroring the dynamic partial-UPDATE the
// original settings endpoint builds from its request body.
type SettingsUpdate struct {
	MaxRadioContacts              *int
	ExperimentalChannelDoubleSend *bool
	AutoDecryptDMOnAdvert         *bool
	SidebarSortOrder              *string
	AdvertInterval                *int64
}

// UpdateSettings applies a partial update to the single settings row.
func (db *DB) UpdateSettings(u SettingsUpdate) error {
	if u.MaxRadioContacts != nil {
		if _, err := db.conn.Exec("UPDATE app_settings SET max_radio_contacts = ? WHERE id = 1", *u.MaxRadioContacts); err != nil {
			return err
		}
	}
	if u.ExperimentalChannelDoubleSend != nil {
		if _, err := db.conn.Exec("UPDATE app_settings SET experimental_channel_double_send = ? WHERE id = 1", *u.ExperimentalChannelDoubleSend); err != nil {
			return err
		}
	}
	if u.AutoDecryptDMOnAdvert != nil {
		if _, err := db.conn.Exec("UPDATE app_settings SET auto_decrypt_dm_on_advert = ? WHERE id = 1", *u.AutoDecryptDMOnAdvert); err != nil {
			return err
		}
	}
	if u.SidebarSortOrder != nil {
		if _, err := db.conn.Exec("UPDATE app_settings SET sidebar_sort_order = ? WHERE id = 1", *u.SidebarSortOrder); err != nil {
			return err
		}
	}
	if u.AdvertInterval != nil {
		if _, err := db.conn.Exec("UPDATE app_settings SET advert_interval = ? WHERE id = 1", *u.AdvertInterval); err != nil {
			return err
		}
	}
	return nil
}

// SetLastAdvertTime records when the periodic advertisement last fired.
func (db *DB) SetLastAdvertTime(ts int64) error {
	_, err := db.conn.Exec("UPDATE app_settings SET last_advert_time = ? WHERE id = 1", ts)
	return err
}

// SetLastMessageTimes overwrites the whole last_message_times map.
func (db *DB) SetLastMessageTimes(times map[string]int64) error {
	encoded, err := json.Marshal(times)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec("UPDATE app_settings SET last_message_times = ? WHERE id = 1", string(encoded))
	return err
}

// AddFavorite appends a favorite if it isn't already present.
func (db *DB) AddFavorite(favType, id string) error {
	s, err := db.GetSettings()
	if err != nil {
		return err
	}
	for _, f := range s.Favorites {
		if f.Type == favType && f.ID == id {
			return nil
		}
	}
	s.Favorites = append(s.Favorites, Favorite{Type: favType, ID: id})
	return db.saveFavorites(s.Favorites)
}

// RemoveFavorite removes a favorite if present; absent is a no-op.
func (db *DB) RemoveFavorite(favType, id string) error {
	s, err := db.GetSettings()
	if err != nil {
		return err
	}
	kept := s.Favorites[:0]
	for _, f := range s.Favorites {
		if f.Type == favType && f.ID == id {
			continue
		}
		kept = append(kept, f)
	}
	return db.saveFavorites(kept)
}

func (db *DB) saveFavorites(favorites []Favorite) error {
	encoded, err := json.Marshal(favorites)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec("UPDATE app_settings SET favorites = ? WHERE id = 1", string(encoded))
	return err
}

// SetBotConfig replaces the scripted-responder configuration list. The
// sandbox that executes bot code is out of scope; this is storage only.
func (db *DB) SetBotConfig(bots []BotConfig) error {
	encoded, err := json.Marshal(bots)
	if err != nil {
		return err
	}
	_, err = db.conn.Exec("UPDATE app_settings SET bots = ? WHERE id = 1", string(encoded))
	return err
}

// MigratePreferencesFromFrontend is a one-time migration of
// client-side-stored preferences into the server row, guarded by the
// preferences_migrated flag so repeated calls are no-ops.
func (db *DB) MigratePreferencesFromFrontend(favorites []Favorite, sidebarSortOrder string, lastMessageTimes map[string]int64) (migrated bool, err error) {
	s, err := db.GetSettings()
	if err != nil {
		return false, err
	}
	if s.PreferencesMigrated {
		return false, nil
	}

	favoritesJSON, err := json.Marshal(favorites)
	if err != nil {
		return false, err
	}
	timesJSON, err := json.Marshal(lastMessageTimes)
	if err != nil {
		return false, err
	}

	_, err = db.conn.Exec(`
		UPDATE app_settings
		SET favorites = ?, sidebar_sort_order = ?, last_message_times = ?, preferences_migrated = 1
		WHERE id = 1
	`, string(favoritesJSON), sidebarSortOrder, string(timesJSON))
	if err != nil {
		return false, err
	}
	return true, nil
}
