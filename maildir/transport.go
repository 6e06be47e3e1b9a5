// Package maildir implements the popbox remote transport over a local maildrop
// in Maildir format, as filled by a local delivery agent.
package maildir

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message/textproto"

	"github.com/weedbox/popbox"
)

// Transport reads a Maildir like a POP3 maildrop: one folder, identifiers are
// the Maildir keys, and removal happens when the folder closes with expunge.
type Transport struct {
	dir       maildir.Dir
	readOnly  bool
	connected bool
	mode      popbox.OpenMode
	listed    map[int]*maildir.Message
	marked    map[string]bool
}

// New creates a transport over the Maildir at path. A read-only transport
// never removes messages.
func New(path string, readOnly bool) *Transport {
	return &Transport{
		dir:      maildir.Dir(path),
		readOnly: readOnly,
	}
}

// Protocol returns popbox.ProtocolMaildir
func (t *Transport) Protocol() string {
	return popbox.ProtocolMaildir
}

// Connect checks that the Maildir exists
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur := filepath.Join(string(t.dir), "cur")
	if _, err := os.Stat(cur); err != nil {
		return fmt.Errorf("failed to open maildir %s: %w", t.dir, err)
	}
	t.connected = true
	return nil
}

// Disconnect closes the folder without removing marked messages
func (t *Transport) Disconnect(ctx context.Context) error {
	t.reset()
	t.connected = false
	return nil
}

// Open opens the Maildir in the given mode
func (t *Transport) Open(ctx context.Context, mode popbox.OpenMode) error {
	if !t.connected {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}
	if mode > t.MaxMode() {
		return &popbox.Error{Kind: popbox.ErrReadOnlyFolder, Op: "open maildir"}
	}
	t.mode = mode
	return nil
}

// Mode returns the current open mode
func (t *Transport) Mode() popbox.OpenMode {
	return t.mode
}

// MaxMode returns popbox.ModeReadOnly for read-only transports
func (t *Transport) MaxMode() popbox.OpenMode {
	if t.readOnly {
		return popbox.ModeReadOnly
	}
	return popbox.ModeReadWrite
}

// ListMessages moves new messages to cur and lists all of them ordered by key
func (t *Transport) ListMessages(ctx context.Context) ([]*popbox.RemoteMessage, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	if _, err := t.dir.Unseen(); err != nil {
		return nil, fmt.Errorf("failed to scan new messages: %w", err)
	}
	all, err := t.dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Key() < all[j].Key()
	})

	t.listed = make(map[int]*maildir.Message, len(all))
	msgs := make([]*popbox.RemoteMessage, 0, len(all))
	for _, m := range all {
		fi, err := os.Stat(m.Filename())
		if err != nil {
			// Removed by another reader since the scan
			continue
		}
		number := len(msgs) + 1
		t.listed[number] = m
		msgs = append(msgs, &popbox.RemoteMessage{
			Number: number,
			Size:   fi.Size(),
		})
	}
	return msgs, nil
}

// Fetch sets identifiers and, with popbox.FetchEnvelope, reads header blocks
func (t *Transport) Fetch(ctx context.Context, msgs []*popbox.RemoteMessage, profile popbox.FetchProfile) error {
	if err := t.ready(ctx); err != nil {
		return err
	}

	for _, msg := range msgs {
		m, err := t.message(msg)
		if err != nil {
			return err
		}
		msg.UIDL = m.Key()
		if profile < popbox.FetchEnvelope {
			continue
		}
		msg.Header, err = readHeader(m)
		if err != nil {
			return fmt.Errorf("failed to read header of %s: %w", m.Key(), err)
		}
	}
	return nil
}

// Identifier returns the Maildir key set by Fetch
func (t *Transport) Identifier(msg *popbox.RemoteMessage) (string, error) {
	return popbox.MessageIdentifier(msg)
}

// Body opens the message file
func (t *Transport) Body(ctx context.Context, msg *popbox.RemoteMessage) (io.ReadCloser, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}
	m, err := t.message(msg)
	if err != nil {
		return nil, err
	}
	return m.Open()
}

// MarkDeleted marks messages for removal on an expunging Close
func (t *Transport) MarkDeleted(ctx context.Context, msgs []*popbox.RemoteMessage) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	if t.mode < popbox.ModeReadWrite {
		return &popbox.Error{Kind: popbox.ErrReadOnlyFolder, Op: "mark deleted"}
	}

	if t.marked == nil {
		t.marked = make(map[string]bool)
	}
	for _, msg := range msgs {
		m, err := t.message(msg)
		if err != nil {
			return err
		}
		t.marked[m.Key()] = true
	}
	return nil
}

// Close closes the folder, removing marked messages when expunge is set
func (t *Transport) Close(ctx context.Context, expunge bool) error {
	if t.mode == popbox.ModeClosed {
		return popbox.ErrFolderClosed
	}
	marked := t.marked
	t.reset()

	if !expunge {
		return nil
	}
	var errs []error
	for key := range marked {
		m, err := t.dir.MessageByKey(key)
		if err != nil {
			// Already gone
			continue
		}
		if err := m.Remove(); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) reset() {
	t.mode = popbox.ModeClosed
	t.listed = nil
	t.marked = nil
}

func (t *Transport) ready(ctx context.Context) error {
	if t.mode == popbox.ModeClosed {
		return popbox.ErrFolderClosed
	}
	return ctx.Err()
}

func (t *Transport) message(msg *popbox.RemoteMessage) (*maildir.Message, error) {
	m, exists := t.listed[msg.Number]
	if !exists {
		return nil, fmt.Errorf("message %d: %w", msg.Number, popbox.ErrMessageNotFound)
	}
	return m, nil
}

// readHeader returns the header block of a message file in wire form
func readHeader(m *maildir.Message) ([]byte, error) {
	rc, err := m.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	h, err := textproto.ReadHeader(bufio.NewReader(rc))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ popbox.Transport = (*Transport)(nil)
