package popbox

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// SortField selects the sort key of a listing
type SortField int

const (
	SortNone SortField = iota // Remote listing order
	SortReceivedDate
	SortSentDate
	SortSubject
	SortFrom
	SortTo
	SortSize
	SortSeen
	SortFlagged
	SortColorLabel
)

// Order is the sort direction
type Order int

const (
	Ascending Order = iota
	Descending
)

// Fields selects which overlay fields a listing carries
type Fields int

const (
	FieldFlags Fields = 1 << iota
	FieldColorLabel
	FieldTags

	FieldsAll = FieldFlags | FieldColorLabel | FieldTags
)

// IndexRange selects [Start, End) of a sorted result; End <= 0 means to the end
type IndexRange struct {
	Start int
	End   int
}

// GetOptions tunes GetMessage
type GetOptions struct {
	MarkSeen bool // Set the seen flag if the message is unseen
	WithBody bool // Fetch the raw message live from the remote mailbox
}

// SearchRequest describes an in-memory search over the current listing
type SearchRequest struct {
	Range  IndexRange
	Sort   SortField
	Order  Order
	Term   SearchTerm // nil matches everything
	Fields Fields
}

// SearchTerm is a predicate evaluated against overlaid messages
type SearchTerm interface {
	Match(msg *Message) bool
}

// SubjectTerm matches a case-insensitive substring of the subject
type SubjectTerm string

func (t SubjectTerm) Match(msg *Message) bool {
	return msg.Envelope != nil && containsFold(msg.Envelope.Subject, string(t))
}

// FromTerm matches a case-insensitive substring of any sender name or address
type FromTerm string

func (t FromTerm) Match(msg *Message) bool {
	return msg.Envelope != nil && addressesContain(msg.Envelope.From, string(t))
}

// RecipientTerm matches a substring of any To, Cc or Bcc name or address
type RecipientTerm string

func (t RecipientTerm) Match(msg *Message) bool {
	if msg.Envelope == nil {
		return false
	}
	s := string(t)
	return addressesContain(msg.Envelope.To, s) ||
		addressesContain(msg.Envelope.Cc, s) ||
		addressesContain(msg.Envelope.Bcc, s)
}

// FlagTerm matches messages whose Flags bits are all set (Set) or all clear
type FlagTerm struct {
	Flags Flags
	Set   bool
}

func (t FlagTerm) Match(msg *Message) bool {
	if t.Set {
		return msg.Flags.Has(t.Flags)
	}
	return msg.Flags&t.Flags == 0
}

// ColorLabelTerm matches one color label
type ColorLabelTerm int

func (t ColorLabelTerm) Match(msg *Message) bool {
	return msg.ColorLabel == int(t)
}

// TagTerm matches messages carrying a user tag
type TagTerm string

func (t TagTerm) Match(msg *Message) bool {
	for _, tag := range msg.Tags {
		if tag == string(t) {
			return true
		}
	}
	return false
}

// SizeTerm matches sizes in [Min, Max]; a zero Max has no upper bound
type SizeTerm struct {
	Min int64
	Max int64
}

func (t SizeTerm) Match(msg *Message) bool {
	if msg.Envelope == nil {
		return false
	}
	size := msg.Envelope.Size
	return size >= t.Min && (t.Max <= 0 || size <= t.Max)
}

// ReceivedTerm matches received dates in [After, Before); zero bounds are open
type ReceivedTerm struct {
	After  time.Time
	Before time.Time
}

func (t ReceivedTerm) Match(msg *Message) bool {
	if msg.Envelope == nil {
		return false
	}
	d := msg.Envelope.ReceivedDate
	if !t.After.IsZero() && d.Before(t.After) {
		return false
	}
	if !t.Before.IsZero() && !d.Before(t.Before) {
		return false
	}
	return true
}

// AndTerm matches when every term matches
type AndTerm []SearchTerm

func (t AndTerm) Match(msg *Message) bool {
	for _, term := range t {
		if !term.Match(msg) {
			return false
		}
	}
	return true
}

// OrTerm matches when any term matches
type OrTerm []SearchTerm

func (t OrTerm) Match(msg *Message) bool {
	for _, term := range t {
		if term.Match(msg) {
			return true
		}
	}
	return false
}

// NotTerm negates a term
type NotTerm struct {
	Term SearchTerm
}

func (t NotTerm) Match(msg *Message) bool {
	return !t.Term.Match(msg)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func addressesContain(list []*mail.Address, s string) bool {
	for _, addr := range list {
		if containsFold(addr.Name, s) || containsFold(addr.Address, s) {
			return true
		}
	}
	return false
}

// sortMessages orders msgs by field and breaks ties by UIDL, which makes the
// order total and pagination stable across calls
func sortMessages(msgs []*Message, field SortField, order Order, locale string) {
	col := collate.New(language.Make(locale), collate.IgnoreCase)

	compare := func(a, b *Message) int {
		switch field {
		case SortReceivedDate:
			return compareTime(envelopeOf(a).ReceivedDate, envelopeOf(b).ReceivedDate)
		case SortSentDate:
			return compareTime(envelopeOf(a).SentDate, envelopeOf(b).SentDate)
		case SortSubject:
			return col.CompareString(envelopeOf(a).Subject, envelopeOf(b).Subject)
		case SortFrom:
			return col.CompareString(addressKey(envelopeOf(a).From), addressKey(envelopeOf(b).From))
		case SortTo:
			return col.CompareString(addressKey(envelopeOf(a).To), addressKey(envelopeOf(b).To))
		case SortSize:
			return compareInt(envelopeOf(a).Size, envelopeOf(b).Size)
		case SortSeen:
			return compareBool(a.Flags.Has(FlagSeen), b.Flags.Has(FlagSeen))
		case SortFlagged:
			return compareBool(a.Flags.Has(FlagFlagged), b.Flags.Has(FlagFlagged))
		case SortColorLabel:
			return compareInt(int64(a.ColorLabel), int64(b.ColorLabel))
		default:
			return compareInt(int64(a.Number), int64(b.Number))
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		c := compare(msgs[i], msgs[j])
		if order == Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return msgs[i].UIDL < msgs[j].UIDL
	})
}

// applyRange slices a sorted result
func applyRange(msgs []*Message, r IndexRange) []*Message {
	start := r.Start
	if start < 0 {
		start = 0
	}
	if start >= len(msgs) {
		return []*Message{}
	}
	end := r.End
	if end <= 0 || end > len(msgs) {
		end = len(msgs)
	}
	if end <= start {
		return []*Message{}
	}
	return msgs[start:end]
}

var emptyEnvelope = &Envelope{}

func envelopeOf(msg *Message) *Envelope {
	if msg.Envelope == nil {
		return emptyEnvelope
	}
	return msg.Envelope
}

func addressKey(list []*mail.Address) string {
	if len(list) == 0 {
		return ""
	}
	if list[0].Name != "" {
		return list[0].Name
	}
	return list[0].Address
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}
