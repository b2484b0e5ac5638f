package store

import "database/sql"

// GetConfig returns the value stored under key, or def if unset.
func (db *DB) GetConfig(key, def string) string {
	var v string
	err := db.QueryRow(`SELECT value FROM config WHERE keyname = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def
	}
	if err != nil {
		return def
	}
	return v
}

// GetConfigBool returns the boolean value stored under key ("1" is true).
func (db *DB) GetConfigBool(key string, def bool) bool {
	d := "0"
	if def {
		d = "1"
	}
	return db.GetConfig(key, d) == "1"
}

// SetConfig stores value under key, replacing any previous value.
func (db *DB) SetConfig(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO config (keyname, value) VALUES (?, ?)
		ON CONFLICT(keyname) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}
