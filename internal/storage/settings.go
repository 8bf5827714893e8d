package storage

import (
	"database/sql"
	"strings"
)

const globalSettingsKey = "global"

// --- Settings ---

// GetGlobalSettings returns the stored global settings document, or "" when
// nothing has been saved yet.
func (s *Store) GetGlobalSettings() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", globalSettingsKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *Store) SetGlobalSettings(value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		globalSettingsKey, value, timestamp(),
	)
	return err
}

func (s *Store) GetCharacterKeys(characterID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM character_settings WHERE character_id = ?", characterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

func (s *Store) SetCharacterKey(characterID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO character_settings (character_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(character_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		characterID, key, value, timestamp(),
	)
	return err
}

func (s *Store) DeleteCharacterKeys(characterID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, characterID)
	for _, k := range keys {
		args = append(args, k)
	}
	_, err := s.db.Exec(`DELETE FROM character_settings WHERE character_id = ? AND key IN (?`+
		strings.Repeat(",?", len(keys)-1)+`)`, args...)
	return err
}

// --- Presets ---

// ListPresets returns stored preset documents in the order they were first
// saved. Overwriting a preset keeps its position.
func (s *Store) ListPresets() ([]string, error) {
	rows, err := s.db.Query("SELECT value FROM presets ORDER BY rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

func (s *Store) PutPreset(name, value string) error {
	ts := timestamp()
	_, err := s.db.Exec(`
		INSERT INTO presets (name, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, value, ts, ts,
	)
	return err
}

func (s *Store) DeletePreset(name string) error {
	res, err := s.db.Exec("DELETE FROM presets WHERE name = ?", name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
