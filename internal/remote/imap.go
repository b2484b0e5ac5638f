package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	move "github.com/emersion/go-imap-move"
	"github.com/emersion/go-imap/client"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	inboxFolder = "INBOX"
	dialTimeout = 30 * time.Second
)

var errNotConnected = errors.New("remote: not connected")

// Config holds the connection settings for one account's mailbox server.
type Config struct {
	Server   string // host:port, TLS
	User     string
	Password string

	// ChatsFolder is where chat messages are collected on the server.
	// SentFolder, when set, receives copies of own messages instead.
	ChatsFolder string
	SentFolder  string
}

// IMAPClient implements Client over a TLS IMAP connection.
//
// All commands run under a single mutex; WatchAndWait is the exception and
// coordinates through the waiter instead, so interrupts work while a
// command is in flight.
type IMAPClient struct {
	cfg      Config
	states   StateStore
	receiver Receiver
	log      *zap.Logger

	mu        sync.Mutex
	client    *client.Client
	selected  string
	connected atomic.Bool
	watch     *waiter
}

func NewIMAPClient(cfg Config, states StateStore, log *zap.Logger) *IMAPClient {
	if cfg.ChatsFolder == "" {
		cfg.ChatsFolder = "Chats"
	}
	return &IMAPClient{
		cfg:    cfg,
		states: states,
		log:    log.Named("imap"),
		watch:  newWaiter(),
	}
}

// SetReceiver installs the callback Fetch hands pulled messages to. Must be
// called before the first Fetch.
func (c *IMAPClient) SetReceiver(r Receiver) { c.receiver = r }

func (c *IMAPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	c.log.Info("connecting", zap.String("server", c.cfg.Server))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.Server, nil)
	if err != nil {
		return fmt.Errorf("remote: dial: %w", err)
	}

	cl, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("remote: handshake: %w", err)
	}
	if err := cl.Login(c.cfg.User, c.cfg.Password); err != nil {
		_ = cl.Logout()
		return fmt.Errorf("remote: login: %w", err)
	}

	// The chats folder may not exist yet on a fresh account.
	_ = cl.Create(c.cfg.ChatsFolder)

	c.client = cl
	c.selected = ""
	c.connected.Store(true)
	c.log.Info("connected")
	return nil
}

func (c *IMAPClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return
	}
	c.connected.Store(false)
	if c.client != nil {
		_ = c.client.Logout()
		c.client = nil
	}
	c.selected = ""
	c.log.Info("disconnected")
}

func (c *IMAPClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *IMAPClient) selectLocked(folder string) (*imap.MailboxStatus, error) {
	if c.selected == folder {
		return nil, nil
	}
	mbox, err := c.client.Select(folder, false)
	if err != nil {
		return nil, fmt.Errorf("remote: select %s: %w", folder, err)
	}
	c.selected = folder
	return mbox, nil
}

// Fetch pulls everything that arrived in the inbox since the last recorded
// uid. On a fresh cursor it only records the current position; history from
// before the profile existed is not imported.
func (c *IMAPClient) Fetch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return errNotConnected
	}

	// Force a fresh SELECT so the mailbox status is current.
	c.selected = ""
	mbox, err := c.selectLocked(inboxFolder)
	if err != nil {
		return err
	}

	cursor := c.lastUID(inboxFolder)
	if cursor == 0 {
		if mbox.UidNext > 0 {
			c.setLastUID(inboxFolder, mbox.UidNext-1)
		}
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddRange(cursor+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqset, items, ch)
	}()

	max := cursor
	for msg := range ch {
		// The server returns at least one message for an open range even
		// when nothing is new.
		if msg.Uid <= cursor {
			continue
		}
		if msg.Uid > max {
			max = msg.Uid
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			c.log.Warn("read body failed", zap.Uint32("uid", msg.Uid), zap.Error(err))
			continue
		}
		if err := c.receiver(raw, inboxFolder, msg.Uid); err != nil {
			c.log.Warn("receiver rejected message", zap.Uint32("uid", msg.Uid), zap.Error(err))
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("remote: fetch: %w", err)
	}

	if max > cursor {
		c.setLastUID(inboxFolder, max)
	}
	return nil
}

func (c *IMAPClient) WatchAndWait(ctx context.Context) {
	if c.watch.takeFlag() {
		select {
		case <-c.watch.sig:
		default:
		}
		return
	}

	c.mu.Lock()
	cl := c.client
	connected := c.connected.Load()
	if connected {
		if _, err := c.selectLocked(inboxFolder); err != nil {
			c.log.Warn("watch select failed", zap.Error(err))
			connected = false
		}
	}
	c.mu.Unlock()

	if !connected {
		select {
		case <-c.watch.sig:
			c.watch.takeFlag()
		case <-ctx.Done():
		}
		return
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(cl).IdleWithFallback(stop, 0)
	}()

	select {
	case <-c.watch.sig:
		c.watch.takeFlag()
		close(stop)
	case <-ctx.Done():
		close(stop)
	case err := <-done:
		if err != nil {
			c.log.Warn("idle ended", zap.Error(err))
			c.connected.Store(false)
		}
	}
}

func (c *IMAPClient) InterruptWatch() {
	c.watch.interrupt()
}

func (c *IMAPClient) Append(t time.Time, globalID string, raw []byte) (string, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return "", 0, errNotConnected
	}

	folder := c.cfg.SentFolder
	if folder == "" {
		folder = c.cfg.ChatsFolder
	}
	_ = c.client.Create(folder)

	if err := c.client.Append(folder, []string{imap.SeenFlag}, t, bytes.NewReader(raw)); err != nil {
		return "", 0, fmt.Errorf("remote: append: %w", err)
	}

	uid, err := c.findUIDLocked(folder, globalID)
	if err != nil {
		c.log.Warn("uid lookup after append failed", zap.Error(err))
		return folder, 0, nil
	}
	return folder, uid, nil
}

func (c *IMAPClient) MarkSeen(folder string, uid uint32, alsoMove bool) (string, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return "", 0, errNotConnected
	}
	if folder == "" || uid == 0 {
		return "", 0, nil
	}
	if _, err := c.selectLocked(folder); err != nil {
		return "", 0, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return "", 0, fmt.Errorf("remote: store seen: %w", err)
	}

	if alsoMove && folder != c.cfg.ChatsFolder {
		if err := move.NewClient(c.client).UidMoveWithFallback(seqset, c.cfg.ChatsFolder); err != nil {
			return "", 0, fmt.Errorf("remote: move: %w", err)
		}
		// The uid in the chats folder is unknown after a move.
		return c.cfg.ChatsFolder, 0, nil
	}
	return "", 0, nil
}

func (c *IMAPClient) Delete(globalID, folder string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		return errNotConnected
	}
	if folder == "" || uid == 0 {
		return nil
	}
	if _, err := c.selectLocked(folder); err != nil {
		return err
	}

	// The uid may be stale and name a different message by now. Verify
	// before expunging anything.
	msg, err := c.fetchEnvelopeLocked(uid)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	if msg.Envelope == nil || strings.Trim(msg.Envelope.MessageId, "<>") != globalID {
		c.log.Warn("remote copy already replaced, skipping delete",
			zap.String("global_id", globalID), zap.Uint32("uid", uid))
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.client.UidStore(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("remote: store deleted: %w", err)
	}
	if err := c.client.Expunge(nil); err != nil {
		return fmt.Errorf("remote: expunge: %w", err)
	}
	return nil
}

func (c *IMAPClient) fetchEnvelopeLocked(uid uint32) (*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.client.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}, ch)
	}()

	var found *imap.Message
	for msg := range ch {
		if msg.Uid == uid {
			found = msg
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("remote: fetch envelope: %w", err)
	}
	return found, nil
}

func (c *IMAPClient) findUIDLocked(folder, globalID string) (uint32, error) {
	if _, err := c.selectLocked(folder); err != nil {
		return 0, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", "<"+globalID+">")
	uids, err := c.client.UidSearch(criteria)
	if err != nil {
		return 0, err
	}
	if len(uids) == 0 {
		return 0, nil
	}
	return uids[len(uids)-1], nil
}

func (c *IMAPClient) lastUID(folder string) uint32 {
	v, err := c.states.GetState("imap.lastuid." + folder)
	if err != nil || v == "" {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func (c *IMAPClient) setLastUID(folder string, uid uint32) {
	if err := c.states.SetState("imap.lastuid."+folder, strconv.FormatUint(uint64(uid), 10)); err != nil {
		c.log.Warn("persist uid cursor failed", zap.Error(err))
	}
}
