package popbox

import (
	"context"
	"io"
)

// OpenMode is the access mode of the remote folder. Modes are ordered.
type OpenMode int

const (
	ModeClosed OpenMode = iota
	ModeReadOnly
	ModeReadWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeReadOnly:
		return "read-only"
	case ModeReadWrite:
		return "read-write"
	default:
		return "closed"
	}
}

// FetchProfile selects how much a Fetch call retrieves
type FetchProfile int

const (
	// FetchIdentifiers retrieves the UIDL and size of each message
	FetchIdentifiers FetchProfile = iota
	// FetchEnvelope additionally retrieves the raw header block
	FetchEnvelope
)

// RemoteMessage is the transient view of one message in an open remote session.
// Number is only meaningful within that session.
type RemoteMessage struct {
	Number int
	UIDL   string
	Size   int64
	Header []byte // Raw header block, set by FetchEnvelope
}

// Transport is the remote mailbox session. Implementations are not safe for
// concurrent use; one Access owns one Transport.
type Transport interface {
	// Protocol names the protocol family, used for connection gauges
	Protocol() string

	// Connect establishes and authenticates the store-level session
	Connect(ctx context.Context) error
	// Disconnect ends the store-level session, closing the folder without expunge
	Disconnect(ctx context.Context) error

	// Open opens the single remote folder in the given mode
	Open(ctx context.Context, mode OpenMode) error
	// Mode returns the current open mode, ModeClosed when closed
	Mode() OpenMode
	// MaxMode returns the highest mode the folder supports
	MaxMode() OpenMode

	// ListMessages lists the messages visible in this session
	ListMessages(ctx context.Context) ([]*RemoteMessage, error)
	// Fetch fills the given messages in one batch
	Fetch(ctx context.Context, msgs []*RemoteMessage, profile FetchProfile) error
	// Identifier returns the UIDL of a fetched message
	Identifier(msg *RemoteMessage) (string, error)
	// Body retrieves the full raw message
	Body(ctx context.Context, msg *RemoteMessage) (io.ReadCloser, error)

	// MarkDeleted flags messages for removal at the next expunging Close
	MarkDeleted(ctx context.Context, msgs []*RemoteMessage) error
	// Close closes the folder; ErrFolderClosed when not open
	Close(ctx context.Context, expunge bool) error
}

// MessageIdentifier returns the UIDL carried by msg, or ErrInvalidID when msg
// has not been fetched yet. Transports use it to implement Identifier.
func MessageIdentifier(msg *RemoteMessage) (string, error) {
	if msg == nil || msg.UIDL == "" {
		return "", ErrInvalidID
	}
	return msg.UIDL, nil
}
