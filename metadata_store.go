package popbox

import (
	"context"
	"strings"
	"time"
)

// MessageMetadata is the locally persisted overlay of one remote message
type MessageMetadata struct {
	UIDL       string
	Flags      Flags
	ColorLabel int
	Tags       []string // Sorted
}

// MetadataStore defines the interface for persisting message metadata keyed by
// (scope, UIDL). It is shared between concurrent accesses of different users.
type MetadataStore interface {
	// InsertIfAbsent creates rows with zero flags for unknown UIDLs in one
	// transaction and leaves existing rows untouched. Returns the number inserted.
	InsertIfAbsent(ctx context.Context, scope Scope, uidls []string) (int, error)

	// Read operations
	Get(ctx context.Context, scope Scope, uidl string) (*MessageMetadata, error)
	List(ctx context.Context, scope Scope, uidls []string, withTags bool) (map[string]*MessageMetadata, error)
	Unseen(ctx context.Context, scope Scope) ([]string, error)

	// Update operations
	UpdateFlags(ctx context.Context, scope Scope, uidls []string, mask Flags, set bool) error
	MarkSeen(ctx context.Context, scope Scope, uidl string) (bool, error)
	SetColorLabel(ctx context.Context, scope Scope, uidls []string, label int) error
	UpdateTags(ctx context.Context, scope Scope, uidls []string, tags []string, add bool) error

	// Delete removes rows and their tags
	Delete(ctx context.Context, scope Scope, uidls []string) (int, error)

	// Sync bookkeeping
	LastSync(ctx context.Context, scope Scope) (time.Time, error)
	SetLastSync(ctx context.Context, scope Scope, at time.Time) error
}

// normalizeTags trims, drops empty entries and removes duplicates keeping order
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		result = append(result, tag)
	}
	return result
}

func validColorLabel(label int) bool {
	return label >= MinColorLabel && label <= MaxColorLabel
}
