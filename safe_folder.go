package popbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// SafeFolder guards opening, reopening and closing of the single remote folder
type SafeFolder struct {
	transport     Transport
	relaxReadOnly bool
	log           zerolog.Logger
	name          string
}

// NewSafeFolder wraps transport. With relaxReadOnly, write-mode requests on a
// read-only folder open it in its best mode instead of failing.
func NewSafeFolder(transport Transport, relaxReadOnly bool, log zerolog.Logger) *SafeFolder {
	return &SafeFolder{
		transport:     transport,
		relaxReadOnly: relaxReadOnly,
		log:           log,
	}
}

// Open opens the named folder in at least the requested mode
func (f *SafeFolder) Open(ctx context.Context, name string, mode OpenMode) error {
	if name != InboxID {
		return fmt.Errorf("open %q: %w", name, ErrFolderNotFound)
	}
	if mode < ModeReadOnly {
		mode = ModeReadOnly
	}

	if best := f.transport.MaxMode(); mode > best {
		if !f.relaxReadOnly {
			return &Error{Kind: ErrReadOnlyFolder, Op: "open " + name}
		}
		f.log.Warn().
			Str("requested", mode.String()).
			Str("granted", best.String()).
			Msg("Folder does not allow the requested mode, opening in its best mode")
		mode = best
	}

	current := f.transport.Mode()
	if current != ModeClosed && f.name == name && current >= mode {
		return nil
	}
	if current != ModeClosed {
		if err := f.Close(ctx, false); err != nil {
			return err
		}
	}

	if err := f.transport.Open(ctx, mode); err != nil {
		return protocolError("open "+name, err)
	}
	f.name = name
	return nil
}

// IsOpen reports whether the remote folder is open
func (f *SafeFolder) IsOpen() bool {
	return f.transport.Mode() != ModeClosed
}

// Close closes the folder. Closing a closed folder is not an error.
func (f *SafeFolder) Close(ctx context.Context, expunge bool) error {
	if f.transport.Mode() == ModeClosed {
		f.name = ""
		return nil
	}

	err := f.transport.Close(ctx, expunge)
	f.name = ""
	if errors.Is(err, ErrFolderClosed) {
		return nil
	}
	return protocolError("close folder", err)
}

// CloseAndExpunge commits the staged deletions: it marks the staged messages
// still present in a fresh listing as deleted and closes with expunge when
// anything was marked. The set is drained whatever the outcome. It returns the
// identifiers removed from the remote mailbox.
func (f *SafeFolder) CloseAndExpunge(ctx context.Context, pending *PendingDeletions) ([]string, error) {
	staged := pending.Drain()
	if len(staged) == 0 {
		return nil, f.Close(ctx, false)
	}

	if err := f.Open(ctx, InboxID, ModeReadWrite); err != nil {
		return nil, err
	}
	if f.transport.Mode() < ModeReadWrite {
		_ = f.Close(ctx, false)
		return nil, &Error{Kind: ErrReadOnlyFolder, Op: "expunge"}
	}

	msgs, err := f.transport.ListMessages(ctx)
	if err == nil {
		err = f.transport.Fetch(ctx, msgs, FetchIdentifiers)
	}
	if err != nil {
		_ = f.Close(ctx, false)
		return nil, protocolError("list for expunge", err)
	}

	wanted := make(map[string]bool, len(staged))
	for _, uidl := range staged {
		wanted[uidl] = true
	}
	var marked []*RemoteMessage
	var expunged []string
	for _, msg := range msgs {
		uidl, err := f.transport.Identifier(msg)
		if err != nil || !wanted[uidl] {
			continue
		}
		marked = append(marked, msg)
		expunged = append(expunged, uidl)
	}

	if len(marked) > 0 {
		if err := f.transport.MarkDeleted(ctx, marked); err != nil {
			_ = f.Close(ctx, false)
			return nil, protocolError("mark deleted", err)
		}
	}

	f.log.Debug().
		Int("staged", len(staged)).
		Int("expunged", len(expunged)).
		Msg("Closing folder after applying staged deletions")

	if err := f.Close(ctx, len(marked) > 0); err != nil {
		return nil, err
	}
	return expunged, nil
}
