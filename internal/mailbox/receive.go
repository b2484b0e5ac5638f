package mailbox

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/store"
)

// ReceiveMail files one raw message pulled from the remote mailbox.
// Messages land unassigned until the user decides what to do with them;
// duplicates, recognized by their global id, are dropped silently.
func (m *Mailbox) ReceiveMail(raw []byte, folder string, uid uint32) error {
	parsed, err := parseIncoming(raw)
	if err != nil {
		m.logger.Warn("unparseable message", zap.String("folder", folder), zap.Uint32("uid", uid), zap.Error(err))
		return err
	}

	m.db.Lock()
	if parsed.globalID == "" {
		parsed.globalID = store.NewGlobalID(m.db.GetConfig("configured_addr", ""))
	}
	count, err := m.db.CountByGlobalID(parsed.globalID)
	if err != nil {
		m.db.Unlock()
		return err
	}
	if count > 0 {
		m.db.Unlock()
		return nil
	}

	fromID := store.ContactIDSelf
	if !strings.EqualFold(parsed.fromAddr, m.db.GetConfig("configured_addr", "")) {
		contact, err := m.db.ContactByAddr(parsed.fromAddr)
		if err != nil {
			m.db.Unlock()
			return err
		}
		if contact == nil {
			cid, err := m.db.InsertContact(parsed.fromName, parsed.fromAddr)
			if err != nil {
				m.db.Unlock()
				return err
			}
			fromID = cid
		} else {
			fromID = contact.ID
		}
	}

	id, err := m.db.InsertMessage(&store.Message{
		GlobalID:      parsed.globalID,
		ServerFolder:  folder,
		ServerUID:     uid,
		ChatID:        store.ChatIDDeaddrop,
		FromID:        fromID,
		Timestamp:     parsed.date.Unix(),
		Type:          store.MsgText,
		State:         store.StateInUnseen,
		IsChatMessage: parsed.isChatMessage,
		Text:          parsed.text,
		Param:         store.NewParam(),
		ByteSize:      int64(len(raw)),
	})
	m.db.Unlock()
	if err != nil {
		return err
	}

	m.logger.Info("message received",
		zap.String("global_id", parsed.globalID),
		zap.String("from", parsed.fromAddr),
		zap.Bool("chat", parsed.isChatMessage))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindMsgsIncoming,
		Timestamp: time.Now(),
		Payload:   bus.MsgRef{ChatID: store.ChatIDDeaddrop, MsgID: id},
	})
	return nil
}

type incoming struct {
	globalID      string
	fromAddr      string
	fromName      string
	date          time.Time
	isChatMessage bool
	text          string
}

func parseIncoming(raw []byte) (*incoming, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, err
	}

	in := &incoming{}
	h := mr.Header

	if mid, err := h.MessageID(); err == nil {
		in.globalID = mid
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		in.fromAddr = from[0].Address
		in.fromName = from[0].Name
	}
	in.date, _ = h.Date()
	if in.date.IsZero() {
		in.date = time.Now()
	}
	in.isChatMessage = h.Get("X-MrMsg") != ""

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			body, err := io.ReadAll(part.Body)
			if err == nil && in.text == "" {
				in.text = string(body)
			}
		}
	}
	return in, nil
}
