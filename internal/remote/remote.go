// Package remote talks to the account's mailbox server. All calls here do
// network I/O and must never be made while the storage lock is held.
package remote

import (
	"context"
	"time"
)

// Receiver accepts one raw message pulled from the remote mailbox.
type Receiver func(raw []byte, folder string, uid uint32) error

// Client is the remote-mailbox contract the sync engine and the job runner
// program against.
type Client interface {
	// Connect establishes and authenticates the connection. Calling it
	// while connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Safe to call when already
	// disconnected.
	Disconnect()

	IsConnected() bool

	// Fetch pulls messages that arrived since the last fetch and hands
	// each to the configured Receiver.
	Fetch() error

	// WatchAndWait blocks until something happens on the watched folder,
	// an interrupt is requested, or ctx is done. An interrupt requested
	// before the call makes it return immediately; wakeup requests are
	// never lost.
	WatchAndWait(ctx context.Context)

	// InterruptWatch wakes a pending WatchAndWait, or pre-arms the next
	// one. Never blocks, safe from any goroutine.
	InterruptWatch()

	// Append uploads an own message to the chats folder and returns where
	// it landed. A zero uid means the location could not be determined.
	Append(t time.Time, globalID string, raw []byte) (folder string, uid uint32, err error)

	// MarkSeen sets the seen flag on the given remote message and, if
	// requested, moves it to the chats folder. The returned location is
	// ("", 0) when the message did not move, and carries a zero uid when
	// it moved but the new uid is unknown.
	MarkSeen(folder string, uid uint32, alsoMove bool) (newFolder string, newUID uint32, err error)

	// Delete removes the remote copy, but only if the message at
	// (folder, uid) still carries the given global id. A stale uid that
	// now names some other message is left alone and is not an error.
	Delete(globalID, folder string, uid uint32) error
}

// StateStore persists small sync cursors, such as the last seen uid per
// folder, across restarts.
type StateStore interface {
	GetState(key string) (string, error)
	SetState(key, value string) error
}
