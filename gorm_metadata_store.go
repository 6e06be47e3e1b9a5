package popbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// batchSize bounds the number of bound parameters per statement
const batchSize = 500

// GormMetadataStore implements the MetadataStore interface using GORM as the storage medium
type GormMetadataStore struct {
	db *gorm.DB
}

// MessageEntity is the database model for message metadata rows
type MessageEntity struct {
	ContextID  int    `gorm:"primaryKey;autoIncrement:false"`
	UserID     int    `gorm:"primaryKey;autoIncrement:false"`
	UIDL       string `gorm:"column:uidl;primaryKey;size:255"`
	Flags      int    `gorm:"not null;default:0"`
	ColorLabel int    `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName specifies the table name for the MessageEntity
func (MessageEntity) TableName() string {
	return "popbox_messages"
}

// MessageTagEntity is the database model for user tags, one row per tag
type MessageTagEntity struct {
	ContextID int    `gorm:"primaryKey;autoIncrement:false"`
	UserID    int    `gorm:"primaryKey;autoIncrement:false"`
	UIDL      string `gorm:"column:uidl;primaryKey;size:255"`
	Tag       string `gorm:"primaryKey;size:255"`
}

// TableName specifies the table name for the MessageTagEntity
func (MessageTagEntity) TableName() string {
	return "popbox_message_tags"
}

// SyncStateEntity records the last successful sync per scope
type SyncStateEntity struct {
	ContextID int `gorm:"primaryKey;autoIncrement:false"`
	UserID    int `gorm:"primaryKey;autoIncrement:false"`
	LastSync  time.Time
}

// TableName specifies the table name for the SyncStateEntity
func (SyncStateEntity) TableName() string {
	return "popbox_sync_state"
}

// NewGormMetadataStore creates a new GORM-based metadata storage
func NewGormMetadataStore(db *gorm.DB) (*GormMetadataStore, error) {
	if db == nil {
		return nil, errors.New("database connection cannot be nil")
	}

	// Auto migrate the schema
	err := db.AutoMigrate(&MessageEntity{}, &MessageTagEntity{}, &SyncStateEntity{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	return &GormMetadataStore{
		db: db,
	}, nil
}

// InsertIfAbsent creates zero-flag rows for UIDLs not yet known
func (s *GormMetadataStore) InsertIfAbsent(ctx context.Context, scope Scope, uidls []string) (int, error) {
	if len(uidls) == 0 {
		return 0, nil
	}

	entities := make([]MessageEntity, 0, len(uidls))
	for _, uidl := range uidls {
		if uidl == "" {
			return 0, ErrInvalidID
		}
		entities = append(entities, MessageEntity{
			ContextID: scope.ContextID,
			UserID:    scope.UserID,
			UIDL:      uidl,
		})
	}

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Concurrent syncs of the same scope race on the primary key; losers do nothing
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&entities, batchSize)
		if result.Error != nil {
			return result.Error
		}
		inserted = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert message metadata: %w", err)
	}

	return inserted, nil
}

// Get retrieves the metadata of one message
func (s *GormMetadataStore) Get(ctx context.Context, scope Scope, uidl string) (*MessageMetadata, error) {
	if uidl == "" {
		return nil, ErrInvalidID
	}

	var entity MessageEntity
	result := s.scoped(ctx, scope).First(&entity, "uidl = ?", uidl)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("metadata for %s: %w", uidl, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to get message metadata: %w", result.Error)
	}

	tags, err := s.tagsFor(ctx, scope, []string{uidl})
	if err != nil {
		return nil, err
	}

	row := entityToMetadata(&entity)
	row.Tags = tags[uidl]
	return row, nil
}

// List retrieves the metadata of the given messages, or of all messages when uidls is nil
func (s *GormMetadataStore) List(ctx context.Context, scope Scope, uidls []string, withTags bool) (map[string]*MessageMetadata, error) {
	result := make(map[string]*MessageMetadata)

	var entities []MessageEntity
	if uidls == nil {
		if err := s.scoped(ctx, scope).Find(&entities).Error; err != nil {
			return nil, fmt.Errorf("failed to list message metadata: %w", err)
		}
	} else {
		for _, chunk := range chunks(uidls) {
			var part []MessageEntity
			if err := s.scoped(ctx, scope).Where("uidl IN ?", chunk).Find(&part).Error; err != nil {
				return nil, fmt.Errorf("failed to list message metadata: %w", err)
			}
			entities = append(entities, part...)
		}
	}

	for i := range entities {
		result[entities[i].UIDL] = entityToMetadata(&entities[i])
	}

	if withTags && len(result) > 0 {
		var tags map[string][]string
		var err error
		if uidls == nil {
			tags, err = s.tagsFor(ctx, scope, nil)
		} else {
			tags, err = s.tagsFor(ctx, scope, uidls)
		}
		if err != nil {
			return nil, err
		}
		for uidl, t := range tags {
			if row, exists := result[uidl]; exists {
				row.Tags = t
			}
		}
	}

	return result, nil
}

// Unseen lists the UIDLs whose seen flag is not set
func (s *GormMetadataStore) Unseen(ctx context.Context, scope Scope) ([]string, error) {
	uidls := []string{}
	result := s.scoped(ctx, scope).
		Model(&MessageEntity{}).
		Where("(flags & ?) = 0", int(FlagSeen)).
		Order("uidl").
		Pluck("uidl", &uidls)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list unseen messages: %w", result.Error)
	}

	return uidls, nil
}

// UpdateFlags sets or clears mask on existing rows
func (s *GormMetadataStore) UpdateFlags(ctx context.Context, scope Scope, uidls []string, mask Flags, set bool) error {
	expr := gorm.Expr("flags | ?", int(mask))
	if !set {
		expr = gorm.Expr("flags & ?", int(^mask))
	}

	for _, chunk := range chunks(uidls) {
		result := s.scoped(ctx, scope).
			Model(&MessageEntity{}).
			Where("uidl IN ?", chunk).
			Update("flags", expr)
		if result.Error != nil {
			return fmt.Errorf("failed to update flags: %w", result.Error)
		}
	}

	return nil
}

// MarkSeen sets the seen flag and reports whether it was previously unset.
// The check and the write are one statement, so only one caller can win.
func (s *GormMetadataStore) MarkSeen(ctx context.Context, scope Scope, uidl string) (bool, error) {
	result := s.scoped(ctx, scope).
		Model(&MessageEntity{}).
		Where("uidl = ? AND (flags & ?) = 0", uidl, int(FlagSeen)).
		Update("flags", gorm.Expr("flags | ?", int(FlagSeen)))
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark message seen: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// SetColorLabel sets the color label on existing rows
func (s *GormMetadataStore) SetColorLabel(ctx context.Context, scope Scope, uidls []string, label int) error {
	if !validColorLabel(label) {
		return ErrInvalidColorLabel
	}

	for _, chunk := range chunks(uidls) {
		result := s.scoped(ctx, scope).
			Model(&MessageEntity{}).
			Where("uidl IN ?", chunk).
			Update("color_label", label)
		if result.Error != nil {
			return fmt.Errorf("failed to update color label: %w", result.Error)
		}
	}

	return nil
}

// UpdateTags adds or removes user tags on existing rows
func (s *GormMetadataStore) UpdateTags(ctx context.Context, scope Scope, uidls []string, tags []string, add bool) error {
	tags = normalizeTags(tags)
	if len(tags) == 0 || len(uidls) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunks(uidls) {
			if !add {
				result := tx.Where("context_id = ? AND user_id = ? AND uidl IN ? AND tag IN ?",
					scope.ContextID, scope.UserID, chunk, tags).
					Delete(&MessageTagEntity{})
				if result.Error != nil {
					return result.Error
				}
				continue
			}

			// Tags only attach to messages that have a metadata row
			var existing []string
			result := tx.Model(&MessageEntity{}).
				Where("context_id = ? AND user_id = ? AND uidl IN ?", scope.ContextID, scope.UserID, chunk).
				Pluck("uidl", &existing)
			if result.Error != nil {
				return result.Error
			}

			entities := make([]MessageTagEntity, 0, len(existing)*len(tags))
			for _, uidl := range existing {
				for _, tag := range tags {
					entities = append(entities, MessageTagEntity{
						ContextID: scope.ContextID,
						UserID:    scope.UserID,
						UIDL:      uidl,
						Tag:       tag,
					})
				}
			}
			if len(entities) == 0 {
				continue
			}
			result = tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&entities, batchSize)
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}

	return nil
}

// Delete removes rows and their tags, returning how many rows existed
func (s *GormMetadataStore) Delete(ctx context.Context, scope Scope, uidls []string) (int, error) {
	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range chunks(uidls) {
			result := tx.Where("context_id = ? AND user_id = ? AND uidl IN ?", scope.ContextID, scope.UserID, chunk).
				Delete(&MessageTagEntity{})
			if result.Error != nil {
				return result.Error
			}
			result = tx.Where("context_id = ? AND user_id = ? AND uidl IN ?", scope.ContextID, scope.UserID, chunk).
				Delete(&MessageEntity{})
			if result.Error != nil {
				return result.Error
			}
			deleted += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete message metadata: %w", err)
	}

	return deleted, nil
}

// LastSync returns the time of the last successful sync, zero if never
func (s *GormMetadataStore) LastSync(ctx context.Context, scope Scope) (time.Time, error) {
	var entity SyncStateEntity
	result := s.scoped(ctx, scope).First(&entity)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get sync state: %w", result.Error)
	}

	return entity.LastSync, nil
}

// SetLastSync records the time of a successful sync
func (s *GormMetadataStore) SetLastSync(ctx context.Context, scope Scope, at time.Time) error {
	entity := &SyncStateEntity{
		ContextID: scope.ContextID,
		UserID:    scope.UserID,
		LastSync:  at,
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "context_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync"}),
	}).Create(entity)
	if result.Error != nil {
		return fmt.Errorf("failed to save sync state: %w", result.Error)
	}

	return nil
}

// scoped starts a query restricted to one scope
func (s *GormMetadataStore) scoped(ctx context.Context, scope Scope) *gorm.DB {
	return s.db.WithContext(ctx).Where("context_id = ? AND user_id = ?", scope.ContextID, scope.UserID)
}

// tagsFor loads tags grouped by UIDL; a nil uidls loads every tag of the scope
func (s *GormMetadataStore) tagsFor(ctx context.Context, scope Scope, uidls []string) (map[string][]string, error) {
	tags := make(map[string][]string)

	var entities []MessageTagEntity
	if uidls == nil {
		if err := s.scoped(ctx, scope).Order("uidl, tag").Find(&entities).Error; err != nil {
			return nil, fmt.Errorf("failed to load tags: %w", err)
		}
	} else {
		for _, chunk := range chunks(uidls) {
			var part []MessageTagEntity
			if err := s.scoped(ctx, scope).Where("uidl IN ?", chunk).Order("uidl, tag").Find(&part).Error; err != nil {
				return nil, fmt.Errorf("failed to load tags: %w", err)
			}
			entities = append(entities, part...)
		}
	}

	for _, entity := range entities {
		tags[entity.UIDL] = append(tags[entity.UIDL], entity.Tag)
	}
	return tags, nil
}

// Helper function: Convert MessageEntity to MessageMetadata
func entityToMetadata(entity *MessageEntity) *MessageMetadata {
	return &MessageMetadata{
		UIDL:       entity.UIDL,
		Flags:      Flags(entity.Flags),
		ColorLabel: entity.ColorLabel,
	}
}

// Helper function: Split identifiers into statement-sized chunks
func chunks(uidls []string) [][]string {
	var result [][]string
	for start := 0; start < len(uidls); start += batchSize {
		end := start + batchSize
		if end > len(uidls) {
			end = len(uidls)
		}
		result = append(result, uidls[start:end])
	}
	return result
}

var _ MetadataStore = (*GormMetadataStore)(nil)
