package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const msgFields = `id, global_id, server_folder, server_uid, chat_id, from_id, to_id,
	timestamp, type, state, is_chat_msg, txt, param, bytes`

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	var packed string
	err := row.Scan(&m.ID, &m.GlobalID, &m.ServerFolder, &m.ServerUID, &m.ChatID,
		&m.FromID, &m.ToID, &m.Timestamp, &m.Type, &m.State, &m.IsChatMessage,
		&m.Text, &packed, &m.ByteSize)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Param = ParseParam(packed)
	if m.ChatID == ChatIDDeaddrop {
		// Unassigned messages are only ever shown as previews.
		m.Text = TruncateUnwrap(m.Text, 256)
	}
	return &m, nil
}

func messageByID(q queryer, id int64) (*Message, error) {
	return scanMessage(q.QueryRow(`SELECT `+msgFields+` FROM msgs WHERE id = ?`, id))
}

// MessageByID returns a message by row id, or nil if absent.
func (db *DB) MessageByID(id int64) (*Message, error) {
	return messageByID(db.DB, id)
}

// MessageByIDTx is MessageByID inside a transaction.
func (db *DB) MessageByIDTx(tx *sql.Tx, id int64) (*Message, error) {
	return messageByID(tx, id)
}

func insertMessage(q queryer, m *Message) (int64, error) {
	now := time.Now().Unix()
	res, err := q.Exec(`
		INSERT INTO msgs (global_id, server_folder, server_uid, chat_id, from_id, to_id,
			timestamp, type, state, is_chat_msg, txt, param, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GlobalID, m.ServerFolder, m.ServerUID, m.ChatID, m.FromID, m.ToID,
		nonZero(m.Timestamp, now), m.Type, m.State, m.IsChatMessage, m.Text,
		m.Param.Pack(), m.ByteSize)
	if err != nil {
		return 0, fmt.Errorf("insert msg: %w", err)
	}
	return res.LastInsertId()
}

// InsertMessage inserts a message row and returns its id.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	return insertMessage(db.DB, m)
}

// InsertMessageTx is InsertMessage inside a transaction.
func (db *DB) InsertMessageTx(tx *sql.Tx, m *Message) (int64, error) {
	return insertMessage(tx, m)
}

// UpdateMessageChatIDTx reassigns a message to another chat.
func (db *DB) UpdateMessageChatIDTx(tx *sql.Tx, msgID, chatID int64) error {
	_, err := tx.Exec(`UPDATE msgs SET chat_id = ? WHERE id = ?`, chatID, msgID)
	return err
}

// UpdateMessageState sets a message's state unconditionally.
func (db *DB) UpdateMessageState(msgID int64, state MsgState) error {
	_, err := db.Exec(`UPDATE msgs SET state = ? WHERE id = ?`, state, msgID)
	return err
}

// UpdateMessageStateIf sets a message's state only if it currently has the
// given old state, reporting whether a row was affected. This is the guard
// that keeps the seen-flag transition monotonic and idempotent.
func (db *DB) UpdateMessageStateIf(msgID int64, old, new MsgState) (bool, error) {
	res, err := db.Exec(`UPDATE msgs SET state = ? WHERE id = ? AND state = ?`, new, msgID, old)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByGlobalID returns the number of local rows sharing the given global id.
func (db *DB) CountByGlobalID(globalID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM msgs WHERE global_id = ?`, globalID).Scan(&n)
	return n, err
}

// DeleteMessageRow removes a single message row by id.
func (db *DB) DeleteMessageRow(id int64) error {
	_, err := db.Exec(`DELETE FROM msgs WHERE id = ?`, id)
	return err
}

// DeleteByGlobalID removes all rows filed under the given global id,
// including ghost placeholder rows.
func (db *DB) DeleteByGlobalID(globalID string) error {
	_, err := db.Exec(`DELETE FROM msgs WHERE global_id = ?`, globalID)
	return err
}

// UpdateRemoteLocation records a new (folder, uid) pair for every row
// sharing the global id; several local rows may refer to the same remote
// copy.
func (db *DB) UpdateRemoteLocation(globalID, serverFolder string, serverUID uint32) error {
	_, err := db.Exec(`UPDATE msgs SET server_folder = ?, server_uid = ? WHERE global_id = ?`,
		serverFolder, serverUID, globalID)
	return err
}

// PredecessorGlobalID returns the global id of the most recent message in
// the chat not authored by the local user, or "" if there is none. It is a
// correlation hint only, never placed in a reply-chain header.
func (db *DB) PredecessorGlobalID(chatID int64) (string, error) {
	var gid string
	err := db.QueryRow(`
		SELECT global_id FROM msgs
		WHERE timestamp = (SELECT MAX(timestamp) FROM msgs WHERE chat_id = ? AND from_id != ?)
		AND chat_id = ? AND from_id != ?`,
		chatID, ContactIDSelf, chatID, ContactIDSelf).Scan(&gid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return gid, nil
}

// LatestMessageTime returns the newest timestamp in the chat excluding the
// given message, or 0 if the chat has no other message.
func (db *DB) LatestMessageTime(chatID, excludeMsgID int64) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(timestamp) FROM msgs WHERE chat_id = ? AND id != ?`,
		chatID, excludeMsgID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// AttachmentReferenced reports whether any non-text message row still
// references the given attachment path in its param column.
func (db *DB) AttachmentReferenced(path string) (bool, error) {
	pattern := fmt.Sprintf("%%%c=%s%%", ParamFile, path)
	var id int64
	err := db.QueryRow(`SELECT id FROM msgs WHERE type != ? AND param LIKE ? LIMIT 1`,
		MsgText, pattern).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MessageIDsOrderedTx resolves the given ids to existing rows in
// deterministic batch order: ascending timestamp, then id. Missing ids are
// simply absent from the result.
func (db *DB) MessageIDsOrderedTx(tx *sql.Tx, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.Query(`SELECT id FROM msgs WHERE id IN (`+placeholders+`) ORDER BY timestamp, id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TruncateUnwrap shortens s to roughly approx characters, collapsing line
// breaks into spaces, appending an ellipsis when cut.
func TruncateUnwrap(s string, approx int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= approx {
		return s
	}
	return string(runes[:approx]) + "..."
}

func nonZero(v, def int64) int64 {
	if v != 0 {
		return v
	}
	return def
}
