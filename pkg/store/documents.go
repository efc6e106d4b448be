package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"sensorydata/pkg/domain"
)

// GetDocument returns the document joined with its stored file's
// path/hash/extension.
func (s *GormStore) GetDocument(ctx context.Context, docID string) (domain.Document, bool, error) {
	var m DocumentModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, fmt.Errorf("get document %s: %w", docID, err)
	}
	var sf StoredFileModel
	if err := s.db.WithContext(ctx).First(&sf, "id = ?", m.StoredFileID).Error; err != nil {
		return domain.Document{}, false, fmt.Errorf("load stored file for document %s: %w", docID, err)
	}
	return documentFromModel(m, sf), true, nil
}

// UpdateDocument applies a partial metadata patch and bumps edited. Allowed
// keys: name, metadata, is_public, access_group_id.
func (s *GormStore) UpdateDocument(ctx context.Context, docID string, patch map[string]any) (domain.Document, bool, error) {
	updates := map[string]any{"edited": time.Now().UTC()}
	for key, val := range patch {
		switch key {
		case "name", "is_public", "access_group_id":
			updates[key] = val
		case "metadata":
			if m, ok := val.(map[string]any); ok {
				updates[key] = toJSON(m)
			}
		}
	}
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", docID).Updates(updates)
	if res.Error != nil {
		return domain.Document{}, false, fmt.Errorf("update document %s: %w", docID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Document{}, false, nil
	}
	return s.GetDocument(ctx, docID)
}

// SetSyncEnabled toggles the search-indexing gate. The only write path
// search-indexing needs from this layer.
func (s *GormStore) SetSyncEnabled(ctx context.Context, docID string, enabled bool) (bool, error) {
	res := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("id = ?", docID).
		Updates(map[string]any{"is_sync_enabled": enabled, "edited": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("set sync enabled for document %s: %w", docID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// DeleteDocument removes the document row; lines, details, permissions and
// tag associations go with it via ON DELETE CASCADE.
func (s *GormStore) DeleteDocument(ctx context.Context, docID string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&DocumentModel{}, "id = ?", docID)
	if res.Error != nil {
		return false, fmt.Errorf("delete document %s: %w", docID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
