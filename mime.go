package popbox

import (
	"bufio"
	"bytes"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Converter turns the raw header block of a remote message into an Envelope
type Converter interface {
	Convert(msg *RemoteMessage) (*Envelope, error)
}

// MIMEConverter is the Converter backed by go-message. Individual malformed
// fields are left empty; only an unreadable header block is an error.
type MIMEConverter struct{}

// Convert parses msg.Header
func (MIMEConverter) Convert(msg *RemoteMessage) (*Envelope, error) {
	if msg == nil {
		return nil, ErrInvalidID
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(terminateHeader(msg.Header))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse header of %s: %w", msg.UIDL, err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	env := &Envelope{
		Size:        msg.Size,
		ContentType: "text/plain",
	}

	env.Subject, err = mh.Subject()
	if err != nil {
		// Unknown charsets still give a usable raw value
		env.Subject = mh.Get("Subject")
	}
	env.MessageID, _ = mh.MessageID()
	env.From = addressList(mh, "From")
	env.To = addressList(mh, "To")
	env.Cc = addressList(mh, "Cc")
	env.Bcc = addressList(mh, "Bcc")
	env.ReplyTo = addressList(mh, "Reply-To")
	env.InReplyTo, _ = mh.MsgIDList("In-Reply-To")
	env.References, _ = mh.MsgIDList("References")

	if date, err := mh.Date(); err == nil {
		env.SentDate = date
	}
	env.ReceivedDate = receivedDate(mh)
	if env.ReceivedDate.IsZero() {
		env.ReceivedDate = env.SentDate
	}

	if t, _, err := mh.ContentType(); err == nil && t != "" {
		env.ContentType = t
	}

	return env, nil
}

func addressList(h mail.Header, key string) []*mail.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	return list
}

// receivedDate reads the date of the topmost Received trace header
func receivedDate(h mail.Header) time.Time {
	received := h.Get("Received")
	if received == "" {
		return time.Time{}
	}
	semi := strings.LastIndexByte(received, ';')
	if semi < 0 {
		return time.Time{}
	}
	date, err := netmail.ParseDate(strings.TrimSpace(received[semi+1:]))
	if err != nil {
		return time.Time{}
	}
	return date
}

// terminateHeader makes sure a header block ends with the empty separator line
func terminateHeader(raw []byte) []byte {
	if bytes.HasSuffix(raw, []byte("\r\n\r\n")) || bytes.HasSuffix(raw, []byte("\n\n")) {
		return raw
	}
	out := make([]byte, 0, len(raw)+4)
	out = append(out, raw...)
	if len(out) > 0 && !bytes.HasSuffix(out, []byte("\n")) {
		out = append(out, '\r', '\n')
	}
	return append(out, '\r', '\n')
}

// HeaderBlock returns the header part of a raw message including the
// separator line, or the whole input when there is no body
func HeaderBlock(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2]
	}
	return raw
}
