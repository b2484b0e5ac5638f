package store

import (
	"database/sql"
	"fmt"
	"time"
)

func contactByID(q queryer, id int64) (*Contact, error) {
	var c Contact
	err := q.QueryRow(`SELECT id, name, addr FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.Addr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactByID returns a contact by id, or nil if absent.
func (db *DB) ContactByID(id int64) (*Contact, error) {
	return contactByID(db.DB, id)
}

// ContactByIDTx is ContactByID inside a transaction.
func (db *DB) ContactByIDTx(tx *sql.Tx, id int64) (*Contact, error) {
	return contactByID(tx, id)
}

// ContactByAddr looks a contact up by address, case-insensitively. Returns
// nil if unknown.
func (db *DB) ContactByAddr(addr string) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`SELECT id, name, addr FROM contacts WHERE addr = ?`, addr).
		Scan(&c.ID, &c.Name, &c.Addr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertContact adds an address-book entry and returns its id.
func (db *DB) InsertContact(name, addr string) (int64, error) {
	res, err := db.Exec(`INSERT INTO contacts (name, addr, created_at) VALUES (?, ?, ?)`,
		name, addr, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert contact: %w", err)
	}
	return res.LastInsertId()
}
