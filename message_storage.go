package popbox

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// MessageStorage serves message operations from the session listing with the
// local metadata overlaid. The remote protocol can neither search, sort nor
// keep flags, so all of that happens here.
type MessageStorage struct {
	access    *Access
	folder    *SafeFolder
	transport Transport
	store     MetadataStore
	converter Converter
	pending   *PendingDeletions
	session   *Session
	log       zerolog.Logger

	// Listing of the current session in remote order, envelopes only
	snapshot []*Message
	byUIDL   map[string]*Message

	unread      int
	unreadKnown bool
}

func newMessageStorage(a *Access) *MessageStorage {
	return &MessageStorage{
		access:    a,
		folder:    a.folder,
		transport: a.transport,
		store:     a.store,
		converter: a.converter,
		pending:   a.pending,
		session:   a.session,
		log:       a.log,
	}
}

// seed installs the listing produced by a sync of the same session
func (s *MessageStorage) seed(msgs []*Message) {
	s.snapshot = msgs
	s.byUIDL = make(map[string]*Message, len(msgs))
	for _, msg := range msgs {
		s.byUIDL[msg.UIDL] = msg
	}
}

// check fails once the session the storage was created for has ended
func (s *MessageStorage) check(op string) error {
	if !s.access.owns(s.session) {
		return notConnected(op)
	}
	return nil
}

// loadSnapshot fetches the listing once per session unless a sync seeded it
func (s *MessageStorage) loadSnapshot(ctx context.Context) error {
	if s.snapshot != nil {
		return nil
	}

	if err := s.folder.Open(ctx, InboxID, ModeReadOnly); err != nil {
		return err
	}
	remote, err := s.transport.ListMessages(ctx)
	if err == nil && len(remote) > 0 {
		err = s.transport.Fetch(ctx, remote, FetchEnvelope)
	}
	if closeErr := s.folder.Close(ctx, false); closeErr != nil {
		s.log.Warn().Err(closeErr).Msg("Failed to close folder after listing")
	}
	if err != nil {
		return protocolError("list messages", err)
	}

	msgs := make([]*Message, 0, len(remote))
	uidls := make([]string, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for _, rm := range remote {
		uidl, err := s.transport.Identifier(rm)
		if err != nil {
			return protocolError("identify message", err)
		}
		if seen[uidl] {
			continue
		}
		seen[uidl] = true
		env, err := s.converter.Convert(rm)
		if err != nil {
			return protocolError("convert message "+uidl, err)
		}
		msgs = append(msgs, &Message{UIDL: uidl, Number: rm.Number, Envelope: env})
		uidls = append(uidls, uidl)
	}

	// Messages that arrived after the last gated sync still need a row to carry flags
	if _, err := s.store.InsertIfAbsent(ctx, s.session.Scope(), uidls); err != nil {
		return persistenceError("insert metadata", err)
	}

	s.seed(msgs)
	return nil
}

// GetMessage returns one message with its overlay. Messages staged for
// deletion are still returned until the access closes.
func (s *MessageStorage) GetMessage(ctx context.Context, uidl string, opts GetOptions) (*Message, error) {
	if err := s.check("get message"); err != nil {
		return nil, err
	}
	if uidl == "" {
		return nil, ErrInvalidID
	}
	if err := s.loadSnapshot(ctx); err != nil {
		return nil, err
	}
	base, exists := s.byUIDL[uidl]
	if !exists {
		return nil, fmt.Errorf("message %s: %w", uidl, ErrMessageNotFound)
	}

	scope := s.session.Scope()
	meta, err := s.store.Get(ctx, scope, uidl)
	if errors.Is(err, ErrMessageNotFound) {
		if _, err := s.store.InsertIfAbsent(ctx, scope, []string{uidl}); err != nil {
			return nil, persistenceError("insert metadata", err)
		}
		meta, err = &MessageMetadata{UIDL: uidl}, nil
	}
	if err != nil {
		return nil, persistenceError("get metadata", err)
	}

	msg := overlay(base, meta, FieldsAll)

	// Bodies are never cached
	if opts.WithBody {
		msg.Body, err = s.fetchBody(ctx, uidl)
		if err != nil {
			return nil, err
		}
	}

	if opts.MarkSeen && !msg.Flags.Has(FlagSeen) {
		changed, err := s.store.MarkSeen(ctx, scope, uidl)
		if err != nil {
			return nil, persistenceError("mark seen", err)
		}
		msg.Flags |= FlagSeen
		if changed && s.unreadKnown && s.unread > 0 {
			s.unread--
		}
	}

	return msg, nil
}

// fetchBody retrieves the raw message live, resolving the UIDL in a fresh listing
func (s *MessageStorage) fetchBody(ctx context.Context, uidl string) ([]byte, error) {
	if err := s.folder.Open(ctx, InboxID, ModeReadOnly); err != nil {
		return nil, err
	}
	defer func() {
		if err := s.folder.Close(ctx, false); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close folder after body fetch")
		}
	}()

	remote, err := s.transport.ListMessages(ctx)
	if err == nil && len(remote) > 0 {
		err = s.transport.Fetch(ctx, remote, FetchIdentifiers)
	}
	if err != nil {
		return nil, protocolError("list messages", err)
	}

	for _, rm := range remote {
		id, err := s.transport.Identifier(rm)
		if err != nil || id != uidl {
			continue
		}
		rc, err := s.transport.Body(ctx, rm)
		if err != nil {
			return nil, protocolError("fetch body", err)
		}
		defer rc.Close()
		body, err := io.ReadAll(rc)
		if err != nil {
			return nil, protocolError("read body", err)
		}
		return body, nil
	}

	return nil, fmt.Errorf("message %s: %w", uidl, ErrMessageNotFound)
}

// GetAllMessages lists every message of the inbox
func (s *MessageStorage) GetAllMessages(ctx context.Context, sort SortField, order Order, fields Fields) ([]*Message, error) {
	return s.SearchMessages(ctx, &SearchRequest{Sort: sort, Order: order, Fields: fields})
}

// SearchMessages filters, sorts and slices the listing in memory
func (s *MessageStorage) SearchMessages(ctx context.Context, req *SearchRequest) ([]*Message, error) {
	if err := s.check("search messages"); err != nil {
		return nil, err
	}
	if req == nil {
		req = &SearchRequest{Fields: FieldsAll}
	}
	if err := s.loadSnapshot(ctx); err != nil {
		return nil, err
	}

	// Terms may test any overlay field, so load everything a term could need
	needTags := req.Fields&FieldTags != 0 || req.Term != nil
	metas, err := s.store.List(ctx, s.session.Scope(), s.uidls(), needTags)
	if err != nil {
		return nil, persistenceError("list metadata", err)
	}

	matched := make([]*Message, 0, len(s.snapshot))
	for _, base := range s.snapshot {
		msg := overlay(base, metas[base.UIDL], FieldsAll)
		if req.Term != nil && !req.Term.Match(msg) {
			continue
		}
		matched = append(matched, msg)
	}

	sortMessages(matched, req.Sort, req.Order, s.session.Locale)
	result := applyRange(matched, req.Range)
	for _, msg := range result {
		trimFields(msg, req.Fields)
	}

	return result, nil
}

// GetUnreadMessages returns up to limit unseen messages still present remotely,
// in remote order; limit <= 0 returns all. Unseen rows of messages gone from
// the remote mailbox are removed.
func (s *MessageStorage) GetUnreadMessages(ctx context.Context, limit int) ([]*Message, error) {
	if err := s.check("get unread messages"); err != nil {
		return nil, err
	}
	if err := s.loadSnapshot(ctx); err != nil {
		return nil, err
	}

	scope := s.session.Scope()
	unseen, err := s.store.Unseen(ctx, scope)
	if err != nil {
		return nil, persistenceError("list unseen", err)
	}

	unseenSet := make(map[string]bool, len(unseen))
	var stale []string
	for _, uidl := range unseen {
		if _, present := s.byUIDL[uidl]; present {
			unseenSet[uidl] = true
		} else {
			stale = append(stale, uidl)
		}
	}
	if len(stale) > 0 {
		if _, err := s.store.Delete(ctx, scope, stale); err != nil {
			return nil, persistenceError("sweep stale metadata", err)
		}
		s.log.Debug().Int("count", len(stale)).Msg("Removed metadata of messages gone from the remote mailbox")
	}

	s.unread = len(unseenSet)
	s.unreadKnown = true

	var present []string
	for _, base := range s.snapshot {
		if unseenSet[base.UIDL] {
			present = append(present, base.UIDL)
			if limit > 0 && len(present) == limit {
				break
			}
		}
	}

	metas, err := s.store.List(ctx, scope, present, true)
	if err != nil {
		return nil, persistenceError("list metadata", err)
	}
	result := make([]*Message, 0, len(present))
	for _, uidl := range present {
		result = append(result, overlay(s.byUIDL[uidl], metas[uidl], FieldsAll))
	}

	return result, nil
}

// UnreadCount returns the number of unseen messages present remotely. The
// value is cached for the session and adjusted by GetMessage.
func (s *MessageStorage) UnreadCount(ctx context.Context) (int, error) {
	if err := s.check("unread count"); err != nil {
		return 0, err
	}
	if s.unreadKnown {
		return s.unread, nil
	}
	if err := s.loadSnapshot(ctx); err != nil {
		return 0, err
	}

	unseen, err := s.store.Unseen(ctx, s.session.Scope())
	if err != nil {
		return 0, persistenceError("list unseen", err)
	}
	count := 0
	for _, uidl := range unseen {
		if _, present := s.byUIDL[uidl]; present {
			count++
		}
	}

	s.unread = count
	s.unreadKnown = true
	return count, nil
}

// UpdateFlags sets or clears system flags locally; nothing is sent remotely
func (s *MessageStorage) UpdateFlags(ctx context.Context, uidls []string, mask Flags, set bool) error {
	if err := s.check("update flags"); err != nil {
		return err
	}
	if err := validateIDs(uidls); err != nil {
		return err
	}
	mask &= AllFlags
	if mask == 0 || len(uidls) == 0 {
		return nil
	}

	if err := s.store.UpdateFlags(ctx, s.session.Scope(), uidls, mask, set); err != nil {
		return persistenceError("update flags", err)
	}
	if mask.Has(FlagSeen) {
		s.unreadKnown = false
	}
	return nil
}

// UpdateColorLabel sets the color label locally
func (s *MessageStorage) UpdateColorLabel(ctx context.Context, uidls []string, label int) error {
	if err := s.check("update color label"); err != nil {
		return err
	}
	if !validColorLabel(label) {
		return fmt.Errorf("color label %d: %w", label, ErrInvalidColorLabel)
	}
	if err := validateIDs(uidls); err != nil {
		return err
	}
	if len(uidls) == 0 {
		return nil
	}

	if err := s.store.SetColorLabel(ctx, s.session.Scope(), uidls, label); err != nil {
		return persistenceError("update color label", err)
	}
	return nil
}

// UpdateTags adds or removes user tags locally
func (s *MessageStorage) UpdateTags(ctx context.Context, uidls []string, tags []string, add bool) error {
	if err := s.check("update tags"); err != nil {
		return err
	}
	if err := validateIDs(uidls); err != nil {
		return err
	}
	if len(uidls) == 0 {
		return nil
	}

	if err := s.store.UpdateTags(ctx, s.session.Scope(), uidls, tags, add); err != nil {
		return persistenceError("update tags", err)
	}
	return nil
}

// DeleteMessages stages messages for deletion. Neither the metadata nor the
// remote mailbox changes before the access closes, and reads keep returning
// the staged messages until then.
func (s *MessageStorage) DeleteMessages(ctx context.Context, uidls []string) error {
	if err := s.check("delete messages"); err != nil {
		return err
	}
	if err := validateIDs(uidls); err != nil {
		return err
	}
	s.pending.Add(uidls...)
	return nil
}

// AppendMessages is not supported by the remote protocol
func (s *MessageStorage) AppendMessages(ctx context.Context, folderID string, raw [][]byte) ([]string, error) {
	if err := s.check("append messages"); err != nil {
		return nil, err
	}
	return nil, unsupported("append messages")
}

// MoveMessages is not supported by the remote protocol
func (s *MessageStorage) MoveMessages(ctx context.Context, sourceID, destID string, uidls []string) ([]string, error) {
	if err := s.check("move messages"); err != nil {
		return nil, err
	}
	return nil, unsupported("move messages")
}

// CopyMessages is not supported by the remote protocol
func (s *MessageStorage) CopyMessages(ctx context.Context, sourceID, destID string, uidls []string) ([]string, error) {
	if err := s.check("copy messages"); err != nil {
		return nil, err
	}
	return nil, unsupported("copy messages")
}

// SaveDraft is not supported by the remote protocol
func (s *MessageStorage) SaveDraft(ctx context.Context, draft *Draft) (string, error) {
	if err := s.check("save draft"); err != nil {
		return "", err
	}
	return "", unsupported("save draft")
}

// stats returns the message count and total size of the listing
func (s *MessageStorage) stats(ctx context.Context) (int, int64, error) {
	if err := s.loadSnapshot(ctx); err != nil {
		return 0, 0, err
	}
	var size int64
	for _, msg := range s.snapshot {
		size += envelopeOf(msg).Size
	}
	return len(s.snapshot), size, nil
}

func (s *MessageStorage) uidls() []string {
	uidls := make([]string, 0, len(s.snapshot))
	for _, msg := range s.snapshot {
		uidls = append(uidls, msg.UIDL)
	}
	return uidls
}

// Helper function: Copy a listed message and apply its metadata
func overlay(base *Message, meta *MessageMetadata, fields Fields) *Message {
	msg := &Message{
		UIDL:     base.UIDL,
		Number:   base.Number,
		Envelope: base.Envelope,
	}
	if meta == nil {
		return msg
	}
	if fields&FieldFlags != 0 {
		msg.Flags = meta.Flags
	}
	if fields&FieldColorLabel != 0 {
		msg.ColorLabel = meta.ColorLabel
	}
	if fields&FieldTags != 0 && meta.Tags != nil {
		msg.Tags = make([]string, len(meta.Tags))
		copy(msg.Tags, meta.Tags)
	}
	return msg
}

// Helper function: Clear overlay fields the caller did not ask for
func trimFields(msg *Message, fields Fields) {
	if fields&FieldFlags == 0 {
		msg.Flags = 0
	}
	if fields&FieldColorLabel == 0 {
		msg.ColorLabel = 0
	}
	if fields&FieldTags == 0 {
		msg.Tags = nil
	}
}

func validateIDs(uidls []string) error {
	for _, uidl := range uidls {
		if uidl == "" {
			return ErrInvalidID
		}
	}
	return nil
}

var _ MessageStore = (*MessageStorage)(nil)
