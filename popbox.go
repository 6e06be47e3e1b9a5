package popbox

import (
	"context"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// InboxID is the identifier of the only selectable folder
const InboxID = "INBOX"

// RootFolderID is the identifier of the virtual root folder
const RootFolderID = ""

// Flags is the system flag bitmask kept for every message
type Flags int

const (
	FlagSeen Flags = 1 << iota
	FlagAnswered
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagSpam
	FlagForwarded
	FlagReadAck
)

// AllFlags is the union of every supported system flag
const AllFlags = FlagSeen | FlagAnswered | FlagDeleted | FlagDraft | FlagFlagged | FlagSpam | FlagForwarded | FlagReadAck

// Has reports whether all bits of f2 are set in f
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	names := []string{}
	for _, n := range []struct {
		flag Flags
		name string
	}{
		{FlagSeen, "seen"},
		{FlagAnswered, "answered"},
		{FlagDeleted, "deleted"},
		{FlagDraft, "draft"},
		{FlagFlagged, "flagged"},
		{FlagSpam, "spam"},
		{FlagForwarded, "forwarded"},
		{FlagReadAck, "read-ack"},
	} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// Color labels range from MinColorLabel (no label) to MaxColorLabel
const (
	MinColorLabel = 0
	MaxColorLabel = 10
)

// Scope identifies the owner of persisted message metadata
type Scope struct {
	ContextID int // Tenant / context the user belongs to
	UserID    int // User within the context
}

// Envelope holds the header-level data of a remote message
type Envelope struct {
	MessageID    string
	Subject      string
	From         []*mail.Address
	To           []*mail.Address
	Cc           []*mail.Address
	Bcc          []*mail.Address
	ReplyTo      []*mail.Address
	InReplyTo    []string
	References   []string
	SentDate     time.Time
	ReceivedDate time.Time
	ContentType  string
	Size         int64
}

// Message is a remote message with its local metadata overlaid
type Message struct {
	UIDL       string    // Remote identifier
	Number     int       // Position in the listing of the current session
	Envelope   *Envelope // Converted header data
	Flags      Flags     // System flags from the overlay
	ColorLabel int       // Color label from the overlay
	Tags       []string  // User tags from the overlay
	Body       []byte    // Raw message, only set when fetched live
}

// MessageStore defines the message operations offered to the mail-access framework
type MessageStore interface {
	// Read operations
	GetMessage(ctx context.Context, uidl string, opts GetOptions) (*Message, error)
	GetAllMessages(ctx context.Context, sort SortField, order Order, fields Fields) ([]*Message, error)
	SearchMessages(ctx context.Context, req *SearchRequest) ([]*Message, error)
	GetUnreadMessages(ctx context.Context, limit int) ([]*Message, error)
	UnreadCount(ctx context.Context) (int, error)

	// Local metadata operations
	UpdateFlags(ctx context.Context, uidls []string, mask Flags, set bool) error
	UpdateColorLabel(ctx context.Context, uidls []string, label int) error
	UpdateTags(ctx context.Context, uidls []string, tags []string, add bool) error

	// Deletion is staged until the access is closed
	DeleteMessages(ctx context.Context, uidls []string) error

	// Operations the remote protocol cannot carry
	AppendMessages(ctx context.Context, folderID string, raw [][]byte) ([]string, error)
	MoveMessages(ctx context.Context, sourceID, destID string, uidls []string) ([]string, error)
	CopyMessages(ctx context.Context, sourceID, destID string, uidls []string) ([]string, error)
	SaveDraft(ctx context.Context, draft *Draft) (string, error)
}

// FolderStore defines the folder operations offered to the mail-access framework
type FolderStore interface {
	GetFolder(ctx context.Context, id string) (*Folder, error)
	ListSubfolders(ctx context.Context, parentID string) ([]*Folder, error)
	Exists(ctx context.Context, id string) bool
	Quota(ctx context.Context) (*Quota, error)

	CreateFolder(ctx context.Context, parentID, name string) (string, error)
	RenameFolder(ctx context.Context, id, name string) (string, error)
	DeleteFolder(ctx context.Context, id string) error
}

// Folder describes the inbox or the virtual root
type Folder struct {
	ID            string
	Name          string
	ParentID      string
	HoldsMessages bool
	HasSubfolders bool
	ReadOnly      bool
	Total         int
	Unread        int
}

// Quota reports mailbox usage; a negative limit means unknown
type Quota struct {
	UsedBytes     int64
	LimitBytes    int64
	UsedMessages  int
	LimitMessages int
}

// MailAccess is the lifecycle surface of one account's mailbox access
type MailAccess interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsConnected() bool

	// Accessors valid between Open and Close
	FolderStorage() (*FolderStorage, error)
	MessageStorage() (*MessageStorage, error)
	LogicTools() (*LogicTools, error)
}
