package popbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Draft is a message composed locally. The remote protocol cannot store it.
type Draft struct {
	From       []*mail.Address
	To         []*mail.Address
	Cc         []*mail.Address
	Subject    string
	InReplyTo  []string
	References []string
	Text       string
	Forwarded  [][]byte // Raw messages attached as message/rfc822
}

// Render writes the draft as an RFC 5322 message
func (d *Draft) Render(date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetSubject(d.Subject)
	h.SetAddressList("From", d.From)
	h.SetAddressList("To", d.To)
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", d.Cc)
	}
	if len(d.InReplyTo) > 0 {
		h.SetMsgIDList("In-Reply-To", d.InReplyTo)
	}
	if len(d.References) > 0 {
		h.SetMsgIDList("References", d.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := io.WriteString(pw, d.Text); err != nil {
		return nil, err
	}
	pw.Close()
	tw.Close()

	for i, raw := range d.Forwarded {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "message/rfc822")
		ah.SetFilename(fmt.Sprintf("forwarded-%d.eml", i+1))
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment: %w", err)
		}
		if _, err := aw.Write(raw); err != nil {
			return nil, err
		}
		aw.Close()
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// LogicTools builds reply and forward drafts from inbox messages
type LogicTools struct {
	messages *MessageStorage
	session  *Session
}

func newLogicTools(messages *MessageStorage, session *Session) *LogicTools {
	return &LogicTools{
		messages: messages,
		session:  session,
	}
}

// Reply prepares a reply to uidl. With replyAll the original recipients other
// than the session user are copied.
func (t *LogicTools) Reply(ctx context.Context, uidl string, replyAll bool) (*Draft, error) {
	if err := t.messages.check("reply"); err != nil {
		return nil, err
	}
	msg, err := t.messages.GetMessage(ctx, uidl, GetOptions{})
	if err != nil {
		return nil, err
	}
	env := envelopeOf(msg)

	self := t.selfAddress()
	to := env.ReplyTo
	if len(to) == 0 {
		to = env.From
	}

	draft := &Draft{
		To:        append([]*mail.Address{}, to...),
		Subject:   prefixSubject("Re: ", env.Subject),
		InReplyTo: nonEmpty(env.MessageID),
	}
	if self != nil {
		draft.From = []*mail.Address{self}
	}
	draft.References = append(append([]string{}, env.References...), draft.InReplyTo...)

	if replyAll {
		own := ""
		if self != nil {
			own = self.Address
		}
		seen := make(map[string]bool)
		for _, addr := range draft.To {
			seen[strings.ToLower(addr.Address)] = true
		}
		for _, addr := range append(append([]*mail.Address{}, env.To...), env.Cc...) {
			key := strings.ToLower(addr.Address)
			if seen[key] || strings.EqualFold(addr.Address, own) {
				continue
			}
			seen[key] = true
			draft.Cc = append(draft.Cc, addr)
		}
	}

	return draft, nil
}

// Forward prepares a draft carrying the given messages as attachments. The raw
// messages are fetched live.
func (t *LogicTools) Forward(ctx context.Context, uidls []string) (*Draft, error) {
	if err := t.messages.check("forward"); err != nil {
		return nil, err
	}
	if len(uidls) == 0 {
		return nil, ErrInvalidID
	}

	draft := &Draft{}
	if self := t.selfAddress(); self != nil {
		draft.From = []*mail.Address{self}
	}
	for i, uidl := range uidls {
		msg, err := t.messages.GetMessage(ctx, uidl, GetOptions{WithBody: true})
		if err != nil {
			return nil, err
		}
		if i == 0 {
			draft.Subject = prefixSubject("Fwd: ", envelopeOf(msg).Subject)
		}
		draft.Forwarded = append(draft.Forwarded, msg.Body)
	}

	return draft, nil
}

// selfAddress returns the session login as an address when it is one
func (t *LogicTools) selfAddress() *mail.Address {
	if t.session == nil || !strings.Contains(t.session.Login, "@") {
		return nil
	}
	addr, err := mail.ParseAddress(t.session.Login)
	if err != nil {
		return nil
	}
	return addr
}

func prefixSubject(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
