package popbox

import (
	"context"
	"fmt"
)

// FolderStorage exposes the inbox and the virtual root above it. No other
// folder exists and none can be created.
type FolderStorage struct {
	messages *MessageStorage
	readOnly bool
}

func newFolderStorage(messages *MessageStorage, readOnly bool) *FolderStorage {
	return &FolderStorage{
		messages: messages,
		readOnly: readOnly,
	}
}

// GetFolder returns the inbox with its counts, or the virtual root
func (s *FolderStorage) GetFolder(ctx context.Context, id string) (*Folder, error) {
	if err := s.messages.check("get folder"); err != nil {
		return nil, err
	}
	switch id {
	case RootFolderID:
		return &Folder{
			ID:            RootFolderID,
			HasSubfolders: true,
			ReadOnly:      true,
		}, nil
	case InboxID:
		total, _, err := s.messages.stats(ctx)
		if err != nil {
			return nil, err
		}
		unread, err := s.messages.UnreadCount(ctx)
		if err != nil {
			return nil, err
		}
		return &Folder{
			ID:            InboxID,
			Name:          InboxID,
			ParentID:      RootFolderID,
			HoldsMessages: true,
			ReadOnly:      s.readOnly,
			Total:         total,
			Unread:        unread,
		}, nil
	}

	return nil, fmt.Errorf("folder %q: %w", id, ErrFolderNotFound)
}

// ListSubfolders returns the inbox for the root and nothing for the inbox
func (s *FolderStorage) ListSubfolders(ctx context.Context, parentID string) ([]*Folder, error) {
	if err := s.messages.check("list subfolders"); err != nil {
		return nil, err
	}
	switch parentID {
	case RootFolderID:
		inbox, err := s.GetFolder(ctx, InboxID)
		if err != nil {
			return nil, err
		}
		return []*Folder{inbox}, nil
	case InboxID:
		return []*Folder{}, nil
	}

	return nil, fmt.Errorf("folder %q: %w", parentID, ErrFolderNotFound)
}

// Exists reports whether id names the root or the inbox of a live session
func (s *FolderStorage) Exists(ctx context.Context, id string) bool {
	if s.messages.check("exists") != nil {
		return false
	}
	return id == RootFolderID || id == InboxID
}

// Quota reports the usage of the current listing. The remote protocol does not
// expose limits, so both limits are -1.
func (s *FolderStorage) Quota(ctx context.Context) (*Quota, error) {
	if err := s.messages.check("quota"); err != nil {
		return nil, err
	}
	count, size, err := s.messages.stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Quota{
		UsedBytes:     size,
		LimitBytes:    -1,
		UsedMessages:  count,
		LimitMessages: -1,
	}, nil
}

// CreateFolder is not supported by the remote protocol
func (s *FolderStorage) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	if err := s.messages.check("create folder"); err != nil {
		return "", err
	}
	return "", unsupported("create folder")
}

// RenameFolder is not supported by the remote protocol
func (s *FolderStorage) RenameFolder(ctx context.Context, id, name string) (string, error) {
	if err := s.messages.check("rename folder"); err != nil {
		return "", err
	}
	return "", unsupported("rename folder")
}

// DeleteFolder is not supported by the remote protocol
func (s *FolderStorage) DeleteFolder(ctx context.Context, id string) error {
	if err := s.messages.check("delete folder"); err != nil {
		return err
	}
	return unsupported("delete folder")
}

var _ FolderStore = (*FolderStorage)(nil)
