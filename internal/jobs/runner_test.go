package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/mime"
	"github.com/omarchy/mailchat/internal/store"
)

type mockRemote struct {
	connected  bool
	connectErr error

	deleted        []string
	appendedIDs    []string
	appendFolder   string
	appendUID      uint32
	markSeenCalls  int
	markSeenFolder string
	markSeenUID    uint32
	markSeenErr    error
}

func (m *mockRemote) Connect(ctx context.Context) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockRemote) Disconnect()                        { m.connected = false }
func (m *mockRemote) IsConnected() bool                  { return m.connected }
func (m *mockRemote) Fetch() error                       { return nil }
func (m *mockRemote) WatchAndWait(ctx context.Context)   {}
func (m *mockRemote) InterruptWatch()                    {}

func (m *mockRemote) Append(t time.Time, globalID string, raw []byte) (string, uint32, error) {
	m.appendedIDs = append(m.appendedIDs, globalID)
	return m.appendFolder, m.appendUID, nil
}

func (m *mockRemote) MarkSeen(folder string, uid uint32, alsoMove bool) (string, uint32, error) {
	m.markSeenCalls++
	return m.markSeenFolder, m.markSeenUID, m.markSeenErr
}

func (m *mockRemote) Delete(globalID, folder string, uid uint32) error {
	m.deleted = append(m.deleted, globalID)
	return nil
}

type mockSMTP struct {
	sent int
	err  error
}

func (m *mockSMTP) Send(from string, recipients []string, raw []byte) error {
	if m.err != nil {
		return m.err
	}
	m.sent++
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRunner(t *testing.T, db *store.DB, rc *mockRemote, smtp *mockSMTP) *Runner {
	t.Helper()
	log := zap.NewNop()
	queue := NewQueue(db, log)
	newFactory := func() *mime.Factory {
		return mime.NewFactory(db, mime.NullEncrypter{}, log)
	}
	return NewRunner(db, queue, rc, smtp, newFactory, bus.New(), "", log)
}

func insertMsg(t *testing.T, db *store.DB, m *store.Message) int64 {
	t.Helper()
	if m.Param == nil {
		m.Param = store.NewParam()
	}
	id, err := db.InsertMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func queueJob(t *testing.T, db *store.DB, action store.JobAction, foreignID int64) int64 {
	t.Helper()
	id, err := db.InsertJob(action, foreignID, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func remainingJobs(t *testing.T, db *store.DB) []store.Job {
	t.Helper()
	// Look far ahead so rescheduled jobs show up too.
	due, err := db.DueJobs(time.Now().Add(time.Hour).Unix(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return due
}

func TestDeleteJobRemovesSingleRemoteCopy(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connected: true}
	r := testRunner(t, db, rc, &mockSMTP{})

	id := insertMsg(t, db, &store.Message{
		GlobalID: "Mr.del@x", ServerFolder: "INBOX", ServerUID: 11,
		ChatID: store.ChatIDTrash, FromID: 10, Type: store.MsgText, State: store.StateInSeen,
	})
	insertMsg(t, db, &store.Message{GlobalID: store.GhostGlobalID(id), ChatID: 11, FromID: 10, Type: store.MsgText, State: store.StateInSeen})
	queueJob(t, db, ActionDeleteOnRemote, id)

	r.processDue(context.Background())

	if len(rc.deleted) != 1 || rc.deleted[0] != "Mr.del@x" {
		t.Errorf("remote deletes = %v", rc.deleted)
	}
	if m, _ := db.MessageByID(id); m != nil {
		t.Error("message row survived")
	}
	if n, _ := db.CountByGlobalID(store.GhostGlobalID(id)); n != 0 {
		t.Error("ghost rows survived")
	}
	if left := remainingJobs(t, db); len(left) != 0 {
		t.Errorf("jobs left: %+v", left)
	}
}

func TestDeleteJobSparesSharedRemoteCopy(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connected: true}
	r := testRunner(t, db, rc, &mockSMTP{})

	a := insertMsg(t, db, &store.Message{GlobalID: "Mr.shared@x", ServerFolder: "INBOX", ServerUID: 5, ChatID: store.ChatIDTrash, FromID: 10, Type: store.MsgText, State: store.StateInSeen})
	b := insertMsg(t, db, &store.Message{GlobalID: "Mr.shared@x", ServerFolder: "INBOX", ServerUID: 5, ChatID: 11, FromID: 10, Type: store.MsgText, State: store.StateInSeen})
	queueJob(t, db, ActionDeleteOnRemote, a)

	r.processDue(context.Background())

	if len(rc.deleted) != 0 {
		t.Errorf("remote copy deleted although %d local rows remain", 2)
	}
	if m, _ := db.MessageByID(a); m != nil {
		t.Error("target row survived")
	}
	if m, _ := db.MessageByID(b); m == nil {
		t.Error("sibling row deleted")
	}
}

func TestDeleteJobRetriesWhenUnreachable(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connectErr: errors.New("no route to host")}
	r := testRunner(t, db, rc, &mockSMTP{})

	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.x@x", ServerFolder: "INBOX", ServerUID: 3, ChatID: store.ChatIDTrash, FromID: 10, Type: store.MsgText, State: store.StateInSeen})
	queueJob(t, db, ActionDeleteOnRemote, id)

	r.processDue(context.Background())

	if m, _ := db.MessageByID(id); m == nil {
		t.Error("row deleted although remote cleanup is pending")
	}
	left := remainingJobs(t, db)
	if len(left) != 1 {
		t.Fatalf("jobs = %+v, want the rescheduled one", left)
	}
	if left[0].Tries != 1 {
		t.Errorf("tries = %d, want 1", left[0].Tries)
	}
	if left[0].DueAt <= time.Now().Unix() {
		t.Error("rescheduled job is not in the future")
	}
}

func TestMarkSeenRecordsNewLocation(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connected: true, markSeenFolder: "Chats", markSeenUID: 7}
	r := testRunner(t, db, rc, &mockSMTP{})

	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.seen@x", ServerFolder: "INBOX", ServerUID: 9, ChatID: 11, FromID: 10, Type: store.MsgText, State: store.StateInSeen, IsChatMessage: true})
	queueJob(t, db, ActionMarkSeenOnRemote, id)

	r.processDue(context.Background())

	if rc.markSeenCalls != 1 {
		t.Fatalf("markseen calls = %d", rc.markSeenCalls)
	}
	m, _ := db.MessageByID(id)
	if m.ServerFolder != "Chats" || m.ServerUID != 7 {
		t.Errorf("location = (%q, %d), want (Chats, 7)", m.ServerFolder, m.ServerUID)
	}
	if left := remainingJobs(t, db); len(left) != 0 {
		t.Errorf("jobs left: %+v", left)
	}
}

func TestMarkSeenKeepsLocationWhenUIDUnknown(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connected: true, markSeenFolder: "Chats", markSeenUID: 0}
	r := testRunner(t, db, rc, &mockSMTP{})

	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.moved@x", ServerFolder: "INBOX", ServerUID: 9, ChatID: 11, FromID: 10, Type: store.MsgText, State: store.StateInSeen, IsChatMessage: true})
	queueJob(t, db, ActionMarkSeenOnRemote, id)

	r.processDue(context.Background())

	m, _ := db.MessageByID(id)
	if m.ServerFolder != "INBOX" || m.ServerUID != 9 {
		t.Errorf("location = (%q, %d), want untouched", m.ServerFolder, m.ServerUID)
	}
}

func seedOutgoing(t *testing.T, db *store.DB, text string) int64 {
	t.Helper()
	if err := db.SetConfig("configured_addr", "alice@example.org"); err != nil {
		t.Fatal(err)
	}
	chatID, err := db.CreateChat(store.ChatSingle, "Bob", "")
	if err != nil {
		t.Fatal(err)
	}
	cid, err := db.InsertContact("Bob", "bob@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddContactToChat(chatID, cid); err != nil {
		t.Fatal(err)
	}
	return insertMsg(t, db, &store.Message{
		GlobalID: store.NewGlobalID("alice@example.org"), ChatID: chatID,
		FromID: store.ContactIDSelf, Type: store.MsgText,
		State: store.StateOutPending, IsChatMessage: true, Text: text,
		Timestamp: time.Now().Unix(),
	})
}

func TestSendJobDeliversAndUploadsCopy(t *testing.T) {
	db := testDB(t)
	rc := &mockRemote{connected: true, appendFolder: "Chats", appendUID: 5}
	smtp := &mockSMTP{}
	r := testRunner(t, db, rc, smtp)

	id := seedOutgoing(t, db, "hello")
	queueJob(t, db, ActionSendToSMTP, id)

	r.processDue(context.Background())

	if smtp.sent != 1 {
		t.Fatalf("smtp submissions = %d", smtp.sent)
	}
	m, _ := db.MessageByID(id)
	if m.State != store.StateOutDelivered {
		t.Errorf("state = %d, want delivered", m.State)
	}

	left := remainingJobs(t, db)
	if len(left) != 1 || left[0].Action != ActionAppendToRemote {
		t.Fatalf("jobs = %+v, want one mailbox-copy job", left)
	}

	// The copy job uploads and records where the message landed.
	r.processDue(context.Background())
	if len(rc.appendedIDs) != 1 {
		t.Fatalf("appends = %v", rc.appendedIDs)
	}
	m, _ = db.MessageByID(id)
	if m.ServerFolder != "Chats" || m.ServerUID != 5 {
		t.Errorf("location = (%q, %d), want (Chats, 5)", m.ServerFolder, m.ServerUID)
	}
}

func TestSendJobMarksErrorWhenRenderFails(t *testing.T) {
	db := testDB(t)
	r := testRunner(t, db, &mockRemote{connected: true}, &mockSMTP{})

	id := seedOutgoing(t, db, "") // nothing to render
	queueJob(t, db, ActionSendToSMTP, id)

	r.processDue(context.Background())

	m, _ := db.MessageByID(id)
	if m.State != store.StateOutError {
		t.Errorf("state = %d, want error", m.State)
	}
	if left := remainingJobs(t, db); len(left) != 0 {
		t.Errorf("failed job not dropped: %+v", left)
	}
}

func TestSendJobRetriesOnSubmissionFailure(t *testing.T) {
	db := testDB(t)
	smtp := &mockSMTP{err: errors.New("454 try again later")}
	r := testRunner(t, db, &mockRemote{connected: true}, smtp)

	id := seedOutgoing(t, db, "hello")
	queueJob(t, db, ActionSendToSMTP, id)

	r.processDue(context.Background())

	m, _ := db.MessageByID(id)
	if m.State != store.StateOutPending {
		t.Errorf("state = %d, want still pending", m.State)
	}
	left := remainingJobs(t, db)
	if len(left) != 1 || left[0].Tries != 1 {
		t.Fatalf("jobs = %+v, want one rescheduled send", left)
	}
}
