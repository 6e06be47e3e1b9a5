// Package pop3 implements the popbox remote transport over a POP3 maildrop.
package pop3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gopop3 "github.com/knadh/go-pop3"

	"github.com/weedbox/popbox"
)

// Options configures a POP3 transport
type Options struct {
	Host               string
	Port               int
	TLS                bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	Username           string
	Password           string
}

// OptionsFromConfig picks the POP3 settings of an account config
func OptionsFromConfig(conf *popbox.Config) Options {
	return Options{
		Host:               conf.Host,
		Port:               conf.Port,
		TLS:                conf.TLS,
		InsecureSkipVerify: conf.InsecureSkipVerify,
		DialTimeout:        conf.DialTimeout.Duration,
		Username:           conf.Username,
		Password:           conf.Password,
	}
}

// Transport is a popbox.Transport over one POP3 connection. A POP3 session
// sees a frozen maildrop, so every Open after a Close dials a new connection.
// Deletions marked with DELE only take effect when the session ends with QUIT;
// closing without expunge sends RSET first.
type Transport struct {
	opts   Options
	client *gopop3.Client
	conn   *gopop3.Conn
	mode   popbox.OpenMode
}

// New creates a disconnected transport
func New(opts Options) *Transport {
	return &Transport{
		opts: opts,
		client: gopop3.New(gopop3.Opt{
			Host:          opts.Host,
			Port:          opts.Port,
			DialTimeout:   opts.DialTimeout,
			TLSEnabled:    opts.TLS,
			TLSSkipVerify: opts.InsecureSkipVerify,
		}),
	}
}

// Protocol returns popbox.ProtocolPOP3
func (t *Transport) Protocol() string {
	return popbox.ProtocolPOP3
}

// Connect dials and authenticates. The connection is kept for the first Open.
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := t.client.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", t.opts.Host, t.opts.Port, err)
	}
	if err := conn.Auth(t.opts.Username, t.opts.Password); err != nil {
		_ = conn.Quit()
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	t.conn = conn
	return nil
}

// Disconnect ends the session without applying deletions
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	return t.quit(false)
}

// Open starts a maildrop session in the given mode
func (t *Transport) Open(ctx context.Context, mode popbox.OpenMode) error {
	if t.conn == nil {
		if err := t.dial(ctx); err != nil {
			return err
		}
	}
	t.mode = mode
	return nil
}

// Mode returns the current open mode
func (t *Transport) Mode() popbox.OpenMode {
	return t.mode
}

// MaxMode returns popbox.ModeReadWrite; POP3 can delete
func (t *Transport) MaxMode() popbox.OpenMode {
	return popbox.ModeReadWrite
}

// ListMessages lists message numbers and sizes
func (t *Transport) ListMessages(ctx context.Context) ([]*popbox.RemoteMessage, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	list, err := t.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("LIST failed: %w", err)
	}

	msgs := make([]*popbox.RemoteMessage, 0, len(list))
	for _, m := range list {
		msgs = append(msgs, &popbox.RemoteMessage{
			Number: m.ID,
			Size:   int64(m.Size),
		})
	}
	return msgs, nil
}

// Fetch resolves UIDLs with one UIDL command. With popbox.FetchEnvelope the
// header block of each message is read with TOP n 0, one round trip per
// message, since POP3 has no command returning several headers at once.
func (t *Transport) Fetch(ctx context.Context, msgs []*popbox.RemoteMessage, profile popbox.FetchProfile) error {
	if err := t.ready(ctx); err != nil {
		return err
	}

	uidls, err := t.conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("UIDL failed: %w", err)
	}
	byNumber := make(map[int]string, len(uidls))
	for _, m := range uidls {
		byNumber[m.ID] = m.UID
	}

	for _, msg := range msgs {
		msg.UIDL = byNumber[msg.Number]
		if profile < popbox.FetchEnvelope {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := t.conn.Cmd("TOP", true, msg.Number, 0)
		if err != nil {
			return fmt.Errorf("TOP %d failed: %w", msg.Number, err)
		}
		msg.Header = popbox.HeaderBlock(header.Bytes())
	}
	return nil
}

// Identifier returns the UIDL set by Fetch
func (t *Transport) Identifier(msg *popbox.RemoteMessage) (string, error) {
	return popbox.MessageIdentifier(msg)
}

// Body retrieves the raw message with RETR
func (t *Transport) Body(ctx context.Context, msg *popbox.RemoteMessage) (io.ReadCloser, error) {
	if err := t.ready(ctx); err != nil {
		return nil, err
	}

	raw, err := t.conn.RetrRaw(msg.Number)
	if err != nil {
		return nil, fmt.Errorf("RETR %d failed: %w", msg.Number, err)
	}
	return io.NopCloser(bytes.NewReader(raw.Bytes())), nil
}

// MarkDeleted sends DELE for every message
func (t *Transport) MarkDeleted(ctx context.Context, msgs []*popbox.RemoteMessage) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	if t.mode < popbox.ModeReadWrite {
		return &popbox.Error{Kind: popbox.ErrReadOnlyFolder, Op: "mark deleted"}
	}
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]int, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.Number)
	}
	if err := t.conn.Dele(ids...); err != nil {
		return fmt.Errorf("DELE failed: %w", err)
	}
	return nil
}

// Close ends the maildrop session. Without expunge pending deletions are reset.
func (t *Transport) Close(ctx context.Context, expunge bool) error {
	if t.mode == popbox.ModeClosed || t.conn == nil {
		return popbox.ErrFolderClosed
	}
	return t.quit(expunge)
}

func (t *Transport) quit(expunge bool) error {
	conn := t.conn
	t.conn = nil
	t.mode = popbox.ModeClosed

	var errs []error
	if !expunge {
		if err := conn.Rset(); err != nil {
			errs = append(errs, fmt.Errorf("RSET failed: %w", err))
		}
	}
	if err := conn.Quit(); err != nil {
		errs = append(errs, fmt.Errorf("QUIT failed: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Transport) ready(ctx context.Context) error {
	if t.conn == nil || t.mode == popbox.ModeClosed {
		return popbox.ErrFolderClosed
	}
	return ctx.Err()
}

var _ popbox.Transport = (*Transport)(nil)
