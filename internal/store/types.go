package store

import "fmt"

// MsgType classifies message content.
type MsgType int

const (
	MsgUndefined MsgType = 0
	MsgText      MsgType = 10
	MsgImage     MsgType = 20
	MsgGIF       MsgType = 21
	MsgAudio     MsgType = 40
	MsgVoice     MsgType = 41
	MsgVideo     MsgType = 50
	MsgFile      MsgType = 60
)

// NeedsAttachment reports whether messages of this type carry a file part.
func (t MsgType) NeedsAttachment() bool {
	switch t {
	case MsgImage, MsgGIF, MsgAudio, MsgVoice, MsgVideo, MsgFile:
		return true
	}
	return false
}

// MsgState tracks a message through its local lifecycle. The seen-flag
// transition is monotonic: InUnseen may become InSeen, never the reverse.
type MsgState int

const (
	StateUndefined    MsgState = 0
	StateInUnseen     MsgState = 10
	StateInSeen       MsgState = 16
	StateOutPending   MsgState = 20
	StateOutError     MsgState = 24
	StateOutDelivered MsgState = 26
)

// ChatType distinguishes 1:1 chats from groups.
type ChatType int

const (
	ChatUndefined ChatType = 0
	ChatSingle    ChatType = 100
	ChatGroup     ChatType = 120
)

// Reserved id space. Rows with ids at or below the last-special markers are
// never ordinary records; AUTOINCREMENT sequences start past them.
const (
	ChatIDDeaddrop    int64 = 1 // unassigned incoming messages
	ChatIDTrash       int64 = 3 // locally deleted, remote cleanup pending
	ChatIDLastSpecial int64 = 9

	ContactIDSelf        int64 = 1
	ContactIDLastSpecial int64 = 9

	MsgIDLastSpecial int64 = 9
)

// System command codes carried in a message's ParamSystemCmd.
const (
	SysNone               = 0
	SysGroupNameChanged   = 2
	SysMemberAddedToGroup = 4
	SysMemberRemoved      = 5
)

// Message is a single message row. Several rows may share one GlobalID:
// duplicates arise from multi-recipient delivery and from ghost placeholder
// rows.
type Message struct {
	ID            int64
	GlobalID      string // cross-system identifier, analogous to a Message-ID
	ServerFolder  string // empty until the remote location is known
	ServerUID     uint32 // zero until the remote location is known
	ChatID        int64
	FromID        int64
	ToID          int64
	Timestamp     int64 // unix seconds
	Type          MsgType
	State         MsgState
	IsChatMessage bool // sent by a messenger, not a plain mail client
	Text          string
	Param         *Param
	ByteSize      int64
}

// Chat groups messages. Param caches the derived thread reference anchor.
type Chat struct {
	ID      int64
	Type    ChatType
	Name    string
	GroupID string
	Param   *Param
}

// Contact is an address-book entry, used for attribution lookups.
type Contact struct {
	ID   int64
	Name string
	Addr string
}

// Recipient is a display-name/address pair resolved for a chat.
type Recipient struct {
	Name string
	Addr string
}

// GhostGlobalID returns the synthetic global id under which placeholder
// rows for the given message row are filed.
func GhostGlobalID(msgID int64) string {
	return fmt.Sprintf("GHOST-%d", msgID)
}
