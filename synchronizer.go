package popbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SyncResult is the outcome of one successful sync
type SyncResult struct {
	Messages []*Message // Converted listing in remote order, without overlay
	Inserted int        // Metadata rows created for previously unknown UIDLs
}

// Synchronizer reconciles the remote listing with the metadata store. It keeps
// no state between calls.
type Synchronizer struct {
	folder    *SafeFolder
	transport Transport
	store     MetadataStore
	converter Converter
	log       zerolog.Logger
}

// NewSynchronizer creates a synchronizer over an access's folder and stores
func NewSynchronizer(folder *SafeFolder, transport Transport, store MetadataStore, converter Converter, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		folder:    folder,
		transport: transport,
		store:     store,
		converter: converter,
		log:       log,
	}
}

// Sync pulls identifiers and envelopes of every visible message and creates
// metadata rows for unknown ones. Existing rows are never modified, so
// repeating a sync over an unchanged mailbox changes nothing. On error no row
// of the batch is written.
func (s *Synchronizer) Sync(ctx context.Context, scope Scope) (*SyncResult, error) {
	start := time.Now()

	// Read-write because a later expunge on the same session needs it
	if err := s.folder.Open(ctx, InboxID, ModeReadWrite); err != nil {
		return nil, err
	}

	msgs, err := s.fetchAll(ctx)

	// The remote session is not kept open for the reads that follow
	if closeErr := s.folder.Close(ctx, false); closeErr != nil {
		s.log.Warn().Err(closeErr).Msg("Failed to close folder after sync fetch")
	}
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Messages: make([]*Message, 0, len(msgs))}
	uidls := make([]string, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, msg := range msgs {
		uidl, err := s.transport.Identifier(msg)
		if err != nil {
			return nil, protocolError("identify message", err)
		}
		if seen[uidl] {
			s.log.Warn().Str("uidl", uidl).Int("number", msg.Number).Msg("Duplicate UIDL in listing, keeping first")
			continue
		}
		seen[uidl] = true

		env, err := s.converter.Convert(msg)
		if err != nil {
			return nil, protocolError("convert message "+uidl, err)
		}
		result.Messages = append(result.Messages, &Message{
			UIDL:     uidl,
			Number:   msg.Number,
			Envelope: env,
		})
		uidls = append(uidls, uidl)
	}

	result.Inserted, err = s.store.InsertIfAbsent(ctx, scope, uidls)
	if err != nil {
		return nil, persistenceError("sync insert", err)
	}

	s.log.Info().
		Int("messages", len(result.Messages)).
		Int("inserted", result.Inserted).
		Dur("took", time.Since(start)).
		Msg("Synchronized inbox")

	return result, nil
}

// fetchAll lists the folder and fetches envelopes in a single batch
func (s *Synchronizer) fetchAll(ctx context.Context) ([]*RemoteMessage, error) {
	msgs, err := s.transport.ListMessages(ctx)
	if err != nil {
		return nil, protocolError("list messages", err)
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	if err := s.transport.Fetch(ctx, msgs, FetchEnvelope); err != nil {
		return nil, protocolError("fetch envelopes", err)
	}
	return msgs, nil
}
