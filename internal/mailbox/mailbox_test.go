package mailbox

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/omarchy/mailchat/internal/bus"
	"github.com/omarchy/mailchat/internal/jobs"
	"github.com/omarchy/mailchat/internal/store"
)

func testMailbox(t *testing.T) (*Mailbox, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.SetConfig("configured_addr", "alice@example.org"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetConfig("displayname", "Alice"); err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	m := New(db, jobs.NewQueue(db, log), bus.New(), log)
	return m, db
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

func makeChat(t *testing.T, db *store.DB, name, addr string) int64 {
	t.Helper()
	chatID, err := db.CreateChat(store.ChatSingle, name, "")
	if err != nil {
		t.Fatal(err)
	}
	cid, err := db.InsertContact(name, addr)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AddContactToChat(chatID, cid); err != nil {
		t.Fatal(err)
	}
	return chatID
}

func allJobs(t *testing.T, db *store.DB) []store.Job {
	t.Helper()
	due, err := db.DueJobs(time.Now().Add(time.Hour).Unix(), 100)
	if err != nil {
		t.Fatal(err)
	}
	return due
}

func TestDeleteMovesToTrashAndQueuesCleanup(t *testing.T) {
	m, db := testMailbox(t)
	chatID := makeChat(t, db, "Bob", "bob@x.com")
	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.a@x", ChatID: chatID, FromID: 10, Type: store.MsgText, State: store.StateInSeen, Text: "hi"})

	if err := m.DeleteMessages([]int64{id}); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg == nil || msg.ChatID != store.ChatIDTrash {
		t.Fatalf("message not in trash: %+v", msg)
	}
	queued := allJobs(t, db)
	if len(queued) != 1 || queued[0].Action != jobs.ActionDeleteOnRemote || queued[0].ForeignID != id {
		t.Errorf("jobs = %+v, want one remote-delete", queued)
	}

	// Deleting again is a no-op, no second job.
	if err := m.DeleteMessages([]int64{id}); err != nil {
		t.Fatal(err)
	}
	if queued := allJobs(t, db); len(queued) != 1 {
		t.Errorf("repeat delete queued more jobs: %+v", queued)
	}
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	m, db := testMailbox(t)
	chatID := makeChat(t, db, "Bob", "bob@x.com")
	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.u@x", ChatID: chatID, FromID: 10, Type: store.MsgText, State: store.StateInUnseen, Text: "hi"})

	if err := m.MarkSeenMessages([]int64{id}); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkSeenMessages([]int64{id}); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg.State != store.StateInSeen {
		t.Errorf("state = %d, want seen", msg.State)
	}
	queued := allJobs(t, db)
	if len(queued) != 1 || queued[0].Action != jobs.ActionMarkSeenOnRemote {
		t.Errorf("jobs = %+v, want exactly one remote markseen", queued)
	}
}

func TestMarkSeenIgnoresOutgoingState(t *testing.T) {
	m, db := testMailbox(t)
	chatID := makeChat(t, db, "Bob", "bob@x.com")
	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.o@x", ChatID: chatID, FromID: store.ContactIDSelf, Type: store.MsgText, State: store.StateOutDelivered, Text: "hi"})

	if err := m.MarkSeenMessages([]int64{id}); err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg.State != store.StateOutDelivered {
		t.Errorf("outgoing state clobbered: %d", msg.State)
	}
	if queued := allJobs(t, db); len(queued) != 0 {
		t.Errorf("jobs queued for outgoing message: %+v", queued)
	}
}

func TestSendTextCreatesPendingMessageAndJob(t *testing.T) {
	m, db := testMailbox(t)
	chatID := makeChat(t, db, "Bob", "bob@x.com")

	id, err := m.SendText(chatID, "hello bob")
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg == nil {
		t.Fatal("message not stored")
	}
	if msg.State != store.StateOutPending || !msg.IsChatMessage || msg.FromID != store.ContactIDSelf {
		t.Errorf("message = %+v", msg)
	}
	queued := allJobs(t, db)
	if len(queued) != 1 || queued[0].Action != jobs.ActionSendToSMTP || queued[0].ForeignID != id {
		t.Errorf("jobs = %+v, want one send", queued)
	}

	if _, err := m.SendText(store.ChatIDDeaddrop, "x"); err == nil {
		t.Error("send to reserved chat accepted")
	}
	if _, err := m.SendText(chatID, ""); err == nil {
		t.Error("empty text accepted")
	}
}

func TestSendMediaStoresFileParam(t *testing.T) {
	m, db := testMailbox(t)
	chatID := makeChat(t, db, "Bob", "bob@x.com")

	id, err := m.SendMedia(chatID, store.MsgImage, "/blobs/cat.png", "image/png", "look")
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := db.MessageByID(id)
	if msg == nil {
		t.Fatal("message not stored")
	}
	if msg.Type != store.MsgImage || msg.Text != "look" {
		t.Errorf("message = %+v", msg)
	}
	if got := msg.Param.Get(store.ParamFile, ""); got != "/blobs/cat.png" {
		t.Errorf("file param = %q", got)
	}
	if got := msg.Param.Get(store.ParamMIMEType, ""); got != "image/png" {
		t.Errorf("mimetype param = %q", got)
	}
	queued := allJobs(t, db)
	if len(queued) != 1 || queued[0].Action != jobs.ActionSendToSMTP {
		t.Errorf("jobs = %+v, want one send", queued)
	}

	if _, err := m.SendMedia(chatID, store.MsgImage, "", "", ""); err == nil {
		t.Error("missing file accepted")
	}
}

func TestForwardKeepsBatchOrderAndProvenance(t *testing.T) {
	m, db := testMailbox(t)
	src := makeChat(t, db, "Bob", "bob@x.com")
	dst := makeChat(t, db, "Carol", "carol@x.com")

	bob, err := db.ContactByAddr("bob@x.com")
	if err != nil || bob == nil {
		t.Fatal("bob missing")
	}

	// Inserted out of chronological order on purpose.
	late := insertMsg(t, db, &store.Message{GlobalID: "Mr.2@x", ChatID: src, FromID: bob.ID, Timestamp: 2000, Type: store.MsgText, State: store.StateInSeen, Text: "second", ByteSize: 4321})
	early := insertMsg(t, db, &store.Message{GlobalID: "Mr.1@x", ChatID: src, FromID: store.ContactIDSelf, Timestamp: 1000, Type: store.MsgText, State: store.StateOutDelivered, Text: "first", ByteSize: 1234})

	refs, err := m.ForwardMessages([]int64{late, early}, dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 || refs[0].ChatID != dst || refs[1].ChatID != dst {
		t.Errorf("refs = %+v", refs)
	}

	rows, err := db.Query(`SELECT id, txt, param, bytes FROM msgs WHERE chat_id = ? ORDER BY id`, dst)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()
	type fwd struct {
		text  string
		param *store.Param
		bytes int64
	}
	var got []fwd
	for rows.Next() {
		var id, bytes int64
		var txt, packed string
		if err := rows.Scan(&id, &txt, &packed, &bytes); err != nil {
			t.Fatal(err)
		}
		got = append(got, fwd{text: txt, param: store.ParseParam(packed), bytes: bytes})
	}
	if len(got) != 2 {
		t.Fatalf("forwarded %d messages, want 2", len(got))
	}
	if got[0].text != "first" || got[1].text != "second" {
		t.Errorf("order = [%q, %q], want chronological", got[0].text, got[1].text)
	}
	if got[0].param.Get(store.ParamForwardedAddr, "") != "alice@example.org" {
		t.Errorf("own message provenance = %q", got[0].param.Get(store.ParamForwardedAddr, ""))
	}
	if got[1].param.Get(store.ParamForwardedAddr, "") != "bob@x.com" {
		t.Errorf("contact provenance = %q", got[1].param.Get(store.ParamForwardedAddr, ""))
	}
	if got[0].bytes != 1234 || got[1].bytes != 4321 {
		t.Errorf("byte-size hints = [%d, %d], want [1234, 4321]", got[0].bytes, got[1].bytes)
	}

	// Two send jobs, one per copy.
	sendJobs := 0
	for _, j := range allJobs(t, db) {
		if j.Action == jobs.ActionSendToSMTP {
			sendJobs++
		}
	}
	if sendJobs != 2 {
		t.Errorf("send jobs = %d, want 2", sendJobs)
	}
}

func TestForwardPreservesExistingProvenance(t *testing.T) {
	m, db := testMailbox(t)
	src := makeChat(t, db, "Bob", "bob@x.com")
	dst := makeChat(t, db, "Carol", "carol@x.com")

	p := store.NewParam()
	p.Set(store.ParamForwardedAddr, "dave@x.com")
	p.Set(store.ParamForwardedName, "Dave")
	id := insertMsg(t, db, &store.Message{GlobalID: "Mr.fwd@x", ChatID: src, FromID: store.ContactIDSelf, Timestamp: 1000, Type: store.MsgText, State: store.StateOutDelivered, Text: "relayed", Param: p})

	if _, err := m.ForwardMessages([]int64{id}, dst); err != nil {
		t.Fatal(err)
	}

	var packed string
	if err := db.QueryRow(`SELECT param FROM msgs WHERE chat_id = ?`, dst).Scan(&packed); err != nil {
		t.Fatal(err)
	}
	q := store.ParseParam(packed)
	if q.Get(store.ParamForwardedAddr, "") != "dave@x.com" {
		t.Errorf("original provenance lost: %q", q.Get(store.ParamForwardedAddr, ""))
	}
}

func TestForwardIsAllOrNothing(t *testing.T) {
	m, db := testMailbox(t)
	src := makeChat(t, db, "Bob", "bob@x.com")
	dst := makeChat(t, db, "Carol", "carol@x.com")

	a := insertMsg(t, db, &store.Message{GlobalID: "Mr.a@x", ChatID: src, FromID: store.ContactIDSelf, Timestamp: 1000, Type: store.MsgText, State: store.StateOutDelivered, Text: "a"})
	b := insertMsg(t, db, &store.Message{GlobalID: "Mr.b@x", ChatID: src, FromID: store.ContactIDSelf, Timestamp: 2000, Type: store.MsgText, State: store.StateOutDelivered, Text: "b"})

	if _, err := m.ForwardMessages([]int64{a, b, 99999}, dst); err == nil {
		t.Fatal("forward with missing source succeeded")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM msgs WHERE chat_id = ?`, dst).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d messages forwarded despite failed batch", n)
	}
	if queued := allJobs(t, db); len(queued) != 0 {
		t.Errorf("jobs queued despite rollback: %+v", queued)
	}
}

func TestReceiveMailFilesIntoDeaddropOnce(t *testing.T) {
	m, db := testMailbox(t)

	raw := []byte("From: Bob <bob@x.com>\r\n" +
		"To: alice@example.org\r\n" +
		"Subject: Chat: hello\r\n" +
		"Message-Id: <Mr.incoming@x.com>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"X-MrMsg: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"hello alice\r\n")

	if err := m.ReceiveMail(raw, "INBOX", 42); err != nil {
		t.Fatal(err)
	}
	if err := m.ReceiveMail(raw, "INBOX", 42); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountByGlobalID("Mr.incoming@x.com")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("stored %d copies, want 1", n)
	}

	var id int64
	if err := db.QueryRow(`SELECT id FROM msgs WHERE global_id = ?`, "Mr.incoming@x.com").Scan(&id); err != nil {
		t.Fatal(err)
	}
	msg, _ := db.MessageByID(id)
	if msg.ChatID != store.ChatIDDeaddrop {
		t.Errorf("chat = %d, want deaddrop", msg.ChatID)
	}
	if msg.State != store.StateInUnseen {
		t.Errorf("state = %d, want unseen", msg.State)
	}
	if !msg.IsChatMessage {
		t.Error("chat marker lost")
	}
	if msg.ServerFolder != "INBOX" || msg.ServerUID != 42 {
		t.Errorf("location = (%q, %d)", msg.ServerFolder, msg.ServerUID)
	}

	contact, err := db.ContactByAddr("bob@x.com")
	if err != nil || contact == nil {
		t.Fatal("sender contact not created")
	}
	if msg.FromID != contact.ID {
		t.Errorf("from = %d, want %d", msg.FromID, contact.ID)
	}
}

func TestReceiveMailRecognizesOwnAddressCaseInsensitively(t *testing.T) {
	m, db := testMailbox(t)

	raw := []byte("From: Alice <ALICE@Example.org>\r\n" +
		"To: bob@x.com\r\n" +
		"Subject: Chat: self\r\n" +
		"Message-Id: <Mr.self@example.org>\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
		"X-MrMsg: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"note to self\r\n")

	if err := m.ReceiveMail(raw, "INBOX", 7); err != nil {
		t.Fatal(err)
	}

	var fromID int64
	if err := db.QueryRow(`SELECT from_id FROM msgs WHERE global_id = ?`, "Mr.self@example.org").Scan(&fromID); err != nil {
		t.Fatal(err)
	}
	if fromID != store.ContactIDSelf {
		t.Errorf("from = %d, want self", fromID)
	}
	contact, err := db.ContactByAddr("ALICE@Example.org")
	if err != nil {
		t.Fatal(err)
	}
	if contact != nil && contact.ID > store.ContactIDLastSpecial {
		t.Error("own mail created a fresh contact")
	}
}
