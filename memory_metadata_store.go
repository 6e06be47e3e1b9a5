package popbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryMetadataStore implements the MetadataStore interface using memory as the storage medium
type MemoryMetadataStore struct {
	mu       sync.RWMutex
	rows     map[Scope]map[string]*MessageMetadata
	lastSync map[Scope]time.Time
}

// NewMemoryMetadataStore creates a new memory-based metadata storage
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{
		rows:     make(map[Scope]map[string]*MessageMetadata),
		lastSync: make(map[Scope]time.Time),
	}
}

// InsertIfAbsent creates zero-flag rows for UIDLs not yet known
func (s *MemoryMetadataStore) InsertIfAbsent(ctx context.Context, scope Scope, uidls []string) (int, error) {
	// Validate the whole batch first so a bad entry never leaves a partial insert
	for _, uidl := range uidls {
		if uidl == "" {
			return 0, ErrInvalidID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.scopeRows(scope)
	inserted := 0
	for _, uidl := range uidls {
		if _, exists := rows[uidl]; exists {
			continue
		}
		rows[uidl] = &MessageMetadata{UIDL: uidl}
		inserted++
	}

	return inserted, nil
}

// Get retrieves the metadata of one message
func (s *MemoryMetadataStore) Get(ctx context.Context, scope Scope, uidl string) (*MessageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.rows[scope][uidl]
	if !exists {
		return nil, fmt.Errorf("metadata for %s: %w", uidl, ErrMessageNotFound)
	}

	return copyMetadata(row), nil
}

// List retrieves the metadata of the given messages, or of all messages when uidls is nil
func (s *MemoryMetadataStore) List(ctx context.Context, scope Scope, uidls []string, withTags bool) (map[string]*MessageMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[scope]
	result := make(map[string]*MessageMetadata)
	add := func(row *MessageMetadata) {
		c := copyMetadata(row)
		if !withTags {
			c.Tags = nil
		}
		result[row.UIDL] = c
	}

	if uidls == nil {
		for _, row := range rows {
			add(row)
		}
		return result, nil
	}
	for _, uidl := range uidls {
		if row, exists := rows[uidl]; exists {
			add(row)
		}
	}

	return result, nil
}

// Unseen lists the UIDLs whose seen flag is not set
func (s *MemoryMetadataStore) Unseen(ctx context.Context, scope Scope) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uidls := []string{}
	for uidl, row := range s.rows[scope] {
		if !row.Flags.Has(FlagSeen) {
			uidls = append(uidls, uidl)
		}
	}
	sort.Strings(uidls)

	return uidls, nil
}

// UpdateFlags sets or clears mask on existing rows
func (s *MemoryMetadataStore) UpdateFlags(ctx context.Context, scope Scope, uidls []string, mask Flags, set bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[scope]
	for _, uidl := range uidls {
		row, exists := rows[uidl]
		if !exists {
			continue
		}
		if set {
			row.Flags |= mask
		} else {
			row.Flags &^= mask
		}
	}

	return nil
}

// MarkSeen sets the seen flag and reports whether it was previously unset
func (s *MemoryMetadataStore) MarkSeen(ctx context.Context, scope Scope, uidl string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[scope][uidl]
	if !exists || row.Flags.Has(FlagSeen) {
		return false, nil
	}
	row.Flags |= FlagSeen

	return true, nil
}

// SetColorLabel sets the color label on existing rows
func (s *MemoryMetadataStore) SetColorLabel(ctx context.Context, scope Scope, uidls []string, label int) error {
	if !validColorLabel(label) {
		return ErrInvalidColorLabel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[scope]
	for _, uidl := range uidls {
		if row, exists := rows[uidl]; exists {
			row.ColorLabel = label
		}
	}

	return nil
}

// UpdateTags adds or removes user tags on existing rows
func (s *MemoryMetadataStore) UpdateTags(ctx context.Context, scope Scope, uidls []string, tags []string, add bool) error {
	tags = normalizeTags(tags)
	if len(tags) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[scope]
	for _, uidl := range uidls {
		row, exists := rows[uidl]
		if !exists {
			continue
		}
		if add {
			row.Tags = normalizeTags(append(row.Tags, tags...))
			sort.Strings(row.Tags)
		} else {
			row.Tags = removeTags(row.Tags, tags)
		}
	}

	return nil
}

// Delete removes rows and returns how many existed
func (s *MemoryMetadataStore) Delete(ctx context.Context, scope Scope, uidls []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[scope]
	deleted := 0
	for _, uidl := range uidls {
		if _, exists := rows[uidl]; exists {
			delete(rows, uidl)
			deleted++
		}
	}

	return deleted, nil
}

// LastSync returns the time of the last successful sync, zero if never
func (s *MemoryMetadataStore) LastSync(ctx context.Context, scope Scope) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastSync[scope], nil
}

// SetLastSync records the time of a successful sync
func (s *MemoryMetadataStore) SetLastSync(ctx context.Context, scope Scope, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSync[scope] = at
	return nil
}

// scopeRows returns the row map of a scope, creating it. Callers hold mu.
func (s *MemoryMetadataStore) scopeRows(scope Scope) map[string]*MessageMetadata {
	rows, exists := s.rows[scope]
	if !exists {
		rows = make(map[string]*MessageMetadata)
		s.rows[scope] = rows
	}
	return rows
}

// Helper function: Deep copy a metadata row
func copyMetadata(row *MessageMetadata) *MessageMetadata {
	if row == nil {
		return nil
	}

	c := &MessageMetadata{
		UIDL:       row.UIDL,
		Flags:      row.Flags,
		ColorLabel: row.ColorLabel,
	}
	if row.Tags != nil {
		c.Tags = make([]string, len(row.Tags))
		copy(c.Tags, row.Tags)
	}

	return c
}

// Helper function: Remove every tag in drop from tags
func removeTags(tags, drop []string) []string {
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		keep := true
		for _, d := range drop {
			if tag == d {
				keep = false
				break
			}
		}
		if keep {
			result = append(result, tag)
		}
	}
	return result
}

var _ MetadataStore = (*MemoryMetadataStore)(nil)
