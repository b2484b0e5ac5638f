package store

import (
	"database/sql"
	"fmt"
	"time"
)

const chatFields = `id, type, name, group_id, param`

func scanChat(row *sql.Row) (*Chat, error) {
	var c Chat
	var packed string
	err := row.Scan(&c.ID, &c.Type, &c.Name, &c.GroupID, &packed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Param = ParseParam(packed)
	return &c, nil
}

func chatByID(q queryer, id int64) (*Chat, error) {
	return scanChat(q.QueryRow(`SELECT `+chatFields+` FROM chats WHERE id = ?`, id))
}

// ChatByID returns a chat by id, or nil if absent.
func (db *DB) ChatByID(id int64) (*Chat, error) {
	return chatByID(db.DB, id)
}

// ChatByIDTx is ChatByID inside a transaction.
func (db *DB) ChatByIDTx(tx *sql.Tx, id int64) (*Chat, error) {
	return chatByID(tx, id)
}

// UpdateChatParam rewrites a chat's param column.
func (db *DB) UpdateChatParam(chatID int64, p *Param) error {
	_, err := db.Exec(`UPDATE chats SET param = ? WHERE id = ?`, p.Pack(), chatID)
	return err
}

// CreateChat inserts a chat and returns its id.
func (db *DB) CreateChat(typ ChatType, name, groupID string) (int64, error) {
	res, err := db.Exec(`INSERT INTO chats (type, name, group_id, param, created_at)
		VALUES (?, ?, ?, '', ?)`, typ, name, groupID, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert chat: %w", err)
	}
	return res.LastInsertId()
}

// AddContactToChat records chat membership; repeated adds are no-ops.
func (db *DB) AddContactToChat(chatID, contactID int64) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)`,
		chatID, contactID)
	return err
}

// Recipients lists the real member contacts of a chat. Reserved contact
// ids are never part of the recipient set.
func (db *DB) Recipients(chatID int64) ([]Recipient, error) {
	rows, err := db.Query(`
		SELECT c.name, c.addr FROM chats_contacts cc
		JOIN contacts c ON c.id = cc.contact_id
		WHERE cc.chat_id = ? AND cc.contact_id > ?`,
		chatID, ContactIDLastSpecial)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Recipient
	for rows.Next() {
		var r Recipient
		if err := rows.Scan(&r.Name, &r.Addr); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
