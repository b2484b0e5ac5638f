package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/store"
)

// A fresh thread reference anchor is minted when the chat saw no traffic
// for this long; otherwise the cached anchor is reused so a burst of chat
// messages lands in one mail thread.
const threadThresholdSecs = 60 * 60

const summaryApproxChars = 32

var (
	errNotLoaded     = errors.New("factory: no message loaded")
	errAlreadyLoaded = errors.New("factory: message already loaded")
	errNoContent     = errors.New("factory: message has no content")
)

// Factory renders one outgoing message into RFC 822 wire form. A factory
// instance handles a single message: Load gathers everything from storage
// in one pass under the storage lock, Render then works purely from the
// loaded snapshot and may run network-free for as long as it likes.
type Factory struct {
	db  *store.DB
	enc Encrypter
	log *zap.Logger

	loaded             bool
	msg                *store.Message
	chat               *store.Chat
	recipients         []store.Recipient
	fromAddr           string
	fromName           string
	footer             string
	requestReadReceipt bool
	predecessor        string
	references         string
}

func NewFactory(db *store.DB, enc Encrypter, log *zap.Logger) *Factory {
	return &Factory{db: db, enc: enc, log: log.Named("mime")}
}

// Reset clears the loaded snapshot so the factory can load another message.
func (f *Factory) Reset() {
	f.loaded = false
	f.msg = nil
	f.chat = nil
	f.recipients = nil
	f.fromAddr = ""
	f.fromName = ""
	f.footer = ""
	f.requestReadReceipt = false
	f.predecessor = ""
	f.references = ""
}

// Load reads the message and everything Render will need from storage.
// It takes the storage lock once and releases it before returning, so the
// subsequent render never holds the lock.
func (f *Factory) Load(msgID int64) error {
	if f.loaded {
		return errAlreadyLoaded
	}
	if msgID <= store.MsgIDLastSpecial {
		return fmt.Errorf("factory: invalid message id %d", msgID)
	}

	f.db.Lock()
	defer f.db.Unlock()

	msg, err := f.db.MessageByID(msgID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("factory: message %d not found", msgID)
	}
	chat, err := f.db.ChatByID(msg.ChatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return fmt.Errorf("factory: chat %d not found", msg.ChatID)
	}

	recipients, err := f.loadRecipients(msg, chat)
	if err != nil {
		return err
	}

	f.fromAddr = f.db.GetConfig("configured_addr", "")
	if f.fromAddr == "" {
		return errors.New("factory: account address not configured")
	}
	f.fromName = f.db.GetConfig("displayname", "")
	f.footer = f.db.GetConfig("signature", "")

	// Read receipts are only meaningful 1:1; with several recipients the
	// MDN requests would multiply.
	if f.db.GetConfigBool("readreceipts", false) && len(recipients) == 1 {
		f.requestReadReceipt = true
	}

	f.predecessor, err = f.db.PredecessorGlobalID(chat.ID)
	if err != nil {
		return err
	}
	f.references, err = f.threadReference(msg, chat)
	if err != nil {
		return err
	}

	f.msg = msg
	f.chat = chat
	f.recipients = recipients
	f.loaded = true
	return nil
}

// loadRecipients resolves the recipient set: chat members deduplicated by
// address, case-insensitively, keeping the first spelling encountered. A
// member being removed from a group still gets that removal message.
func (f *Factory) loadRecipients(msg *store.Message, chat *store.Chat) ([]store.Recipient, error) {
	members, err := f.db.Recipients(chat.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(members))
	out := make([]store.Recipient, 0, len(members))
	for _, r := range members {
		key := strings.ToLower(r.Addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}

	if msg.Param.GetInt(store.ParamSystemCmd, store.SysNone) == store.SysMemberRemoved {
		if addr := msg.Param.Get(store.ParamAffectedAddr, ""); addr != "" && !seen[strings.ToLower(addr)] {
			out = append(out, store.Recipient{Addr: addr})
		}
	}
	return out, nil
}

// threadReference returns the reference anchor for the message's chat,
// minting and persisting a fresh one when the cached anchor is missing or
// the chat has been quiet long enough to start a new thread.
func (f *Factory) threadReference(msg *store.Message, chat *store.Chat) (string, error) {
	latest, err := f.db.LatestMessageTime(chat.ID, msg.ID)
	if err != nil {
		return "", err
	}
	ref := chat.Param.Get(store.ParamReferences, "")
	if ref != "" && latest != 0 && msg.Timestamp-latest < threadThresholdSecs {
		return ref, nil
	}
	ref = store.NewReferenceID(f.db.GetConfig("configured_addr", ""))
	chat.Param.Set(store.ParamReferences, ref)
	if err := f.db.UpdateChatParam(chat.ID, chat.Param); err != nil {
		return "", err
	}
	return ref, nil
}

// Msg returns the loaded message.
func (f *Factory) Msg() *store.Message { return f.msg }

// FromAddr returns the configured sender address.
func (f *Factory) FromAddr() string { return f.fromAddr }

// RecipientAddrs returns the resolved recipient addresses.
func (f *Factory) RecipientAddrs() []string {
	addrs := make([]string, len(f.recipients))
	for i, r := range f.recipients {
		addrs[i] = r.Addr
	}
	return addrs
}

// Render serializes the loaded message. encryptToSelf is set when the copy
// is destined for the caller's own mailbox; such copies stay cleartext
// unless the message demands a guarantee. The bool result reports whether
// the output is encrypted.
func (f *Factory) Render(encryptToSelf bool) ([]byte, bool, error) {
	if !f.loaded {
		return nil, false, errNotLoaded
	}
	defer f.enc.Release()

	msg := f.msg
	m := &Mail{}
	f.buildHeader(&m.Header)

	parts := 0
	m.Text = f.buildText()
	if m.Text != "" {
		parts++
	}

	if msg.Type.NeedsAttachment() {
		att, err := f.buildAttachment()
		if err != nil {
			return nil, false, err
		}
		if att != nil {
			m.Attachment = att
			parts++
		}
	}
	if parts == 0 {
		return nil, false, errNoContent
	}

	guarantee := msg.Param.Exists(store.ParamGuaranteeE2EE)
	encrypted := false
	if !encryptToSelf || guarantee {
		encrypted = f.enc.Encrypt(f.RecipientAddrs(), guarantee, encryptToSelf, m)
	}
	if guarantee && !encrypted {
		return nil, false, errors.New("factory: end-to-end encryption required but unavailable")
	}

	// The subject must not leak content once the body is encrypted, so it
	// is decided only now.
	subject := f.buildSubject()
	if encrypted {
		subject = "Chat: Encrypted message"
	}
	m.Header.SetSubject(subject)

	raw, err := serialize(m)
	if err != nil {
		return nil, false, err
	}
	f.log.Debug("message rendered",
		zap.Int64("msg_id", msg.ID),
		zap.Int("bytes", len(raw)),
		zap.Bool("encrypted", encrypted))
	return raw, encrypted, nil
}

func (f *Factory) buildHeader(h *mail.Header) {
	msg, chat := f.msg, f.chat

	h.SetDate(time.Unix(msg.Timestamp, 0))
	h.SetAddressList("From", []*mail.Address{{Name: f.fromName, Address: f.fromAddr}})

	to := make([]*mail.Address, len(f.recipients))
	for i, r := range f.recipients {
		to[i] = &mail.Address{Name: r.Name, Address: r.Addr}
	}
	h.SetAddressList("To", to)

	h.Set("Message-Id", "<"+msg.GlobalID+">")
	h.Set("X-Mailer", "mailchatd")
	if msg.IsChatMessage {
		h.Set("X-MrMsg", "1.0")
	}
	if f.references != "" {
		h.Set("References", "<"+f.references+">")
	}
	if f.predecessor != "" {
		h.Set("X-MrPredecessor", f.predecessor)
	}
	if f.requestReadReceipt {
		h.Set("Disposition-Notification-To", f.fromAddr)
	}

	if chat.Type == store.ChatGroup {
		h.Set("X-MrGrpId", chat.GroupID)
		h.SetText("X-MrGrpName", chat.Name)
		switch msg.Param.GetInt(store.ParamSystemCmd, store.SysNone) {
		case store.SysGroupNameChanged:
			h.Set("X-MrGrpNameChanged", "1")
		case store.SysMemberAddedToGroup:
			h.Set("X-MrAddToGrp", msg.Param.Get(store.ParamAffectedAddr, ""))
		case store.SysMemberRemoved:
			h.Set("X-MrRemoveFromGrp", msg.Param.Get(store.ParamAffectedAddr, ""))
		}
	}

	if msg.Type == store.MsgVoice {
		h.Set("X-MrVoiceMessage", "1")
	}
	if d := msg.Param.GetInt(store.ParamDurationMs, 0); d > 0 {
		h.Set("X-MrDurationMs", fmt.Sprintf("%d", d))
	}
}

func (f *Factory) buildSubject() string {
	fwd := ""
	if f.msg.Param.Exists(store.ParamForwardedAddr) {
		fwd = "Fwd: "
	}
	summary := f.summarize()
	if f.chat.Type == store.ChatGroup {
		return fmt.Sprintf("Chat: %s: %s%s", f.chat.Name, fwd, summary)
	}
	return fmt.Sprintf("Chat: %s%s", fwd, summary)
}

func (f *Factory) summarize() string {
	switch f.msg.Type {
	case store.MsgImage, store.MsgGIF:
		return "Image"
	case store.MsgVideo:
		return "Video"
	case store.MsgAudio, store.MsgVoice:
		return "Audio"
	case store.MsgFile:
		return "File"
	}
	return store.TruncateUnwrap(f.msg.Text, summaryApproxChars)
}

func (f *Factory) buildText() string {
	var b strings.Builder
	if f.msg.Param.Exists(store.ParamForwardedAddr) {
		origin := f.msg.Param.Get(store.ParamForwardedAddr, "")
		if name := f.msg.Param.Get(store.ParamForwardedName, ""); name != "" {
			origin = name + " <" + origin + ">"
		}
		fmt.Fprintf(&b, "---------- Forwarded message ----------\nFrom: %s\n\n", origin)
	}
	b.WriteString(f.msg.Text)
	if f.footer != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("-- \n")
		b.WriteString(f.footer)
	}
	return b.String()
}

func (f *Factory) buildAttachment() (*Attachment, error) {
	msg := f.msg
	path := msg.Param.Get(store.ParamFile, "")
	if path == "" {
		return nil, nil
	}

	suffix := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	mimetype := msg.Param.Get(store.ParamMIMEType, "")
	if mimetype == "" {
		if suffix == "" {
			// Nothing to go on, skip the part rather than mislabel it.
			return nil, nil
		}
		mimetype = mimetypeForSuffix(suffix)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("factory: read attachment: %w", err)
	}

	return &Attachment{
		Filename: f.attachmentFilename(path, suffix),
		MIMEType: mimetype,
		Data:     data,
	}, nil
}

func mimetypeForSuffix(suffix string) string {
	switch suffix {
	case "png":
		return "image/png"
	case "jpg", "jpeg", "jpe":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	}
	return "application/octet-stream"
}

// attachmentFilename picks the wire-visible file name. Local blob names are
// opaque, so media types get descriptive names instead.
func (f *Factory) attachmentFilename(path, suffix string) string {
	msg := f.msg
	if suffix == "" {
		suffix = "dat"
	}
	switch msg.Type {
	case store.MsgVoice:
		stamp := time.Unix(msg.Timestamp, 0).Format("2006-01-02_15-04-05")
		return fmt.Sprintf("voice-message_%s.%s", stamp, suffix)
	case store.MsgAudio:
		author := msg.Param.Get(store.ParamAuthor, "")
		title := msg.Param.Get(store.ParamTitle, "")
		if author != "" && title != "" {
			return fmt.Sprintf("%s - %s.%s", author, title, suffix)
		}
	case store.MsgImage, store.MsgGIF:
		return "image." + suffix
	case store.MsgVideo:
		return "video." + suffix
	}
	return filepath.Base(path)
}

func serialize(m *Mail) ([]byte, error) {
	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, m.Header)
	if err != nil {
		return nil, fmt.Errorf("factory: create writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("factory: create text part: %w", err)
	}
	if _, err := io.WriteString(tw, m.Text); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	if att := m.Attachment; att != nil {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.MIMEType, nil)
		ah.SetFilename(att.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("factory: create attachment part: %w", err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
