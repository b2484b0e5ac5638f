// Package mailbox implements the local message operations: sending,
// forwarding, marking seen and deleting. Every operation updates local
// state synchronously and leaves the remote side to a queued job, so the
// UI-facing result never waits for the network.
package mailbox

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/jobs"
	"github.com/omarchy/mailchat/internal/store"
)

type Mailbox struct {
	db     *store.DB
	queue  *jobs.Queue
	bus    *bus.Bus
	logger *zap.Logger
}

func New(db *store.DB, queue *jobs.Queue, b *bus.Bus, logger *zap.Logger) *Mailbox {
	return &Mailbox{db: db, queue: queue, bus: b, logger: logger.Named("mailbox")}
}

func (m *Mailbox) publish(kind string, refs []bus.MsgRef) {
	for _, ref := range refs {
		m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: ref})
	}
}

// DeleteMessages moves the given messages to the trash chat and queues
// their remote cleanup. The messages disappear from their chats
// immediately; the rows themselves live on until the remote copy is dealt
// with. Unknown ids are skipped.
func (m *Mailbox) DeleteMessages(ids []int64) error {
	m.db.Lock()
	tx, err := m.db.Begin()
	if err != nil {
		m.db.Unlock()
		return err
	}

	var refs []bus.MsgRef
	for _, id := range ids {
		msg, err := m.db.MessageByIDTx(tx, id)
		if err != nil {
			_ = tx.Rollback()
			m.db.Unlock()
			return err
		}
		if msg == nil || msg.ChatID == store.ChatIDTrash {
			continue
		}
		if err := m.db.UpdateMessageChatIDTx(tx, id, store.ChatIDTrash); err != nil {
			_ = tx.Rollback()
			m.db.Unlock()
			return err
		}
		if err := m.queue.EnqueueTx(tx, jobs.ActionDeleteOnRemote, id, nil); err != nil {
			_ = tx.Rollback()
			m.db.Unlock()
			return err
		}
		refs = append(refs, bus.MsgRef{ChatID: msg.ChatID, MsgID: id})
	}

	if err := tx.Commit(); err != nil {
		m.db.Unlock()
		return err
	}
	m.db.Unlock()

	m.queue.Kick()
	m.publish(bus.KindMsgsChanged, refs)
	return nil
}

// MarkSeenMessages flags incoming messages as seen. The transition is
// monotonic and idempotent; a remote job is queued only for messages that
// actually changed, so repeated calls cause no extra traffic.
func (m *Mailbox) MarkSeenMessages(ids []int64) error {
	m.db.Lock()
	var refs []bus.MsgRef
	for _, id := range ids {
		changed, err := m.db.UpdateMessageStateIf(id, store.StateInUnseen, store.StateInSeen)
		if err != nil {
			m.db.Unlock()
			return err
		}
		if !changed {
			continue
		}
		msg, err := m.db.MessageByID(id)
		if err != nil || msg == nil {
			continue
		}
		if _, err := m.db.InsertJob(jobs.ActionMarkSeenOnRemote, id, nil); err != nil {
			m.db.Unlock()
			return err
		}
		refs = append(refs, bus.MsgRef{ChatID: msg.ChatID, MsgID: id})
	}
	m.db.Unlock()

	if len(refs) > 0 {
		m.queue.Kick()
		m.publish(bus.KindMsgsChanged, refs)
	}
	return nil
}

// SendText creates an outgoing text message in the chat and queues its
// submission.
func (m *Mailbox) SendText(chatID int64, text string) (int64, error) {
	if text == "" {
		return 0, fmt.Errorf("mailbox: empty message")
	}
	if chatID <= store.ChatIDLastSpecial {
		return 0, fmt.Errorf("mailbox: cannot send to chat %d", chatID)
	}

	m.db.Lock()
	tx, err := m.db.Begin()
	if err != nil {
		m.db.Unlock()
		return 0, err
	}
	chat, err := m.db.ChatByIDTx(tx, chatID)
	if err == nil && chat == nil {
		err = fmt.Errorf("mailbox: chat %d not found", chatID)
	}
	var id int64
	if err == nil {
		id, err = m.sendMessageTx(tx, chatID, store.MsgText, text, store.NewParam(), 0)
	}
	if err != nil {
		_ = tx.Rollback()
		m.db.Unlock()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		m.db.Unlock()
		return 0, err
	}
	m.db.Unlock()

	m.queue.Kick()
	m.publish(bus.KindMsgsChanged, []bus.MsgRef{{ChatID: chatID, MsgID: id}})
	m.logger.Info("message queued for sending", zap.Int64("chat_id", chatID), zap.Int64("msg_id", id))
	return id, nil
}

// SendMedia creates an outgoing message carrying a file and queues its
// submission. The text, if any, becomes the message body alongside the
// attachment. An empty mimetype is derived from the file suffix at render
// time.
func (m *Mailbox) SendMedia(chatID int64, typ store.MsgType, file, mimetype, text string) (int64, error) {
	if file == "" {
		return 0, fmt.Errorf("mailbox: no file given")
	}
	if chatID <= store.ChatIDLastSpecial {
		return 0, fmt.Errorf("mailbox: cannot send to chat %d", chatID)
	}

	param := store.NewParam()
	param.Set(store.ParamFile, file)
	if mimetype != "" {
		param.Set(store.ParamMIMEType, mimetype)
	}

	m.db.Lock()
	tx, err := m.db.Begin()
	if err != nil {
		m.db.Unlock()
		return 0, err
	}
	chat, err := m.db.ChatByIDTx(tx, chatID)
	if err == nil && chat == nil {
		err = fmt.Errorf("mailbox: chat %d not found", chatID)
	}
	var id int64
	if err == nil {
		id, err = m.sendMessageTx(tx, chatID, typ, text, param, 0)
	}
	if err != nil {
		_ = tx.Rollback()
		m.db.Unlock()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		m.db.Unlock()
		return 0, err
	}
	m.db.Unlock()

	m.queue.Kick()
	m.publish(bus.KindMsgsChanged, []bus.MsgRef{{ChatID: chatID, MsgID: id}})
	m.logger.Info("media queued for sending",
		zap.Int64("chat_id", chatID), zap.Int64("msg_id", id), zap.Int("type", int(typ)))
	return id, nil
}

// ForwardMessages copies the given messages into another chat as fresh
// outgoing messages, in stable batch order, returning a ref per new message.
// The batch is all-or-nothing: if any source message cannot be loaded, no
// message is forwarded.
func (m *Mailbox) ForwardMessages(ids []int64, chatID int64) ([]bus.MsgRef, error) {
	if chatID <= store.ChatIDLastSpecial {
		return nil, fmt.Errorf("mailbox: cannot forward to chat %d", chatID)
	}
	wanted := dedupeIDs(ids)
	if len(wanted) == 0 {
		return nil, nil
	}

	m.db.Lock()
	refs, err := m.forwardLocked(wanted, chatID)
	m.db.Unlock()
	if err != nil {
		return nil, err
	}

	m.queue.Kick()
	m.publish(bus.KindMsgsChanged, refs)
	return refs, nil
}

func (m *Mailbox) forwardLocked(wanted []int64, chatID int64) ([]bus.MsgRef, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	chat, err := m.db.ChatByIDTx(tx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fmt.Errorf("mailbox: chat %d not found", chatID)
	}

	ordered, err := m.db.MessageIDsOrderedTx(tx, wanted)
	if err != nil {
		return nil, err
	}
	if len(ordered) != len(wanted) {
		return nil, fmt.Errorf("mailbox: %d of %d messages not found", len(wanted)-len(ordered), len(wanted))
	}

	selfAddr := m.db.GetConfig("configured_addr", "")
	selfName := m.db.GetConfig("displayname", "")

	var refs []bus.MsgRef
	for _, srcID := range ordered {
		src, err := m.db.MessageByIDTx(tx, srcID)
		if err != nil {
			return nil, err
		}
		if src == nil {
			return nil, fmt.Errorf("mailbox: message %d vanished", srcID)
		}

		param := src.Param.Clone()
		// A message forwarded on keeps its original provenance.
		if !param.Exists(store.ParamForwardedAddr) {
			addr, name := selfAddr, selfName
			if src.FromID != store.ContactIDSelf {
				c, err := m.db.ContactByIDTx(tx, src.FromID)
				if err != nil {
					return nil, err
				}
				if c == nil {
					return nil, fmt.Errorf("mailbox: sender of message %d unknown", srcID)
				}
				addr, name = c.Addr, c.Name
			}
			param.Set(store.ParamForwardedAddr, addr)
			if name != "" {
				param.Set(store.ParamForwardedName, name)
			}
		}

		id, err := m.sendMessageTx(tx, chatID, src.Type, src.Text, param, src.ByteSize)
		if err != nil {
			return nil, err
		}
		refs = append(refs, bus.MsgRef{ChatID: chatID, MsgID: id})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return refs, nil
}

// sendMessageTx creates an outgoing message row and its send job in the
// caller's transaction.
func (m *Mailbox) sendMessageTx(tx *sql.Tx, chatID int64, typ store.MsgType, text string, param *store.Param, byteSize int64) (int64, error) {
	msg := &store.Message{
		GlobalID:      store.NewGlobalID(m.db.GetConfig("configured_addr", "")),
		ChatID:        chatID,
		FromID:        store.ContactIDSelf,
		Timestamp:     time.Now().Unix(),
		Type:          typ,
		State:         store.StateOutPending,
		IsChatMessage: true,
		Text:          text,
		Param:         param,
		ByteSize:      byteSize,
	}
	id, err := m.db.InsertMessageTx(tx, msg)
	if err != nil {
		return 0, err
	}
	if err := m.queue.EnqueueTx(tx, jobs.ActionSendToSMTP, id, nil); err != nil {
		return 0, err
	}
	return id, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= store.MsgIDLastSpecial || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
