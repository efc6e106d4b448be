package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sensorydata/pkg/domain"
)

// FindStoredFileByHash is an exact lookup with no side effects.
func (s *GormStore) FindStoredFileByHash(ctx context.Context, contentHash string) (domain.StoredFile, bool, error) {
	var m StoredFileModel
	if err := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StoredFile{}, false, nil
		}
		return domain.StoredFile{}, false, fmt.Errorf("find stored file by hash: %w", err)
	}
	return storedFileFromModel(m), true, nil
}

// CreateDocumentWithStoredFile inserts both rows in one transaction. A
// content_hash collision means a concurrent upload won the race: the
// document is re-linked to the winner and the winner returned. The insert
// uses ON CONFLICT DO NOTHING rather than plain INSERT because a unique
// violation would abort the whole Postgres transaction and the winner row
// could no longer be read from inside it.
func (s *GormStore) CreateDocumentWithStoredFile(ctx context.Context, doc domain.Document, sf domain.StoredFile) (domain.Document, domain.StoredFile, error) {
	var (
		docModel DocumentModel
		sfModel  StoredFileModel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sfModel = StoredFileModel{
			ContentHash: sf.ContentHash,
			ObjectPath:  sf.ObjectPath,
			SizeBytes:   sf.SizeBytes,
			Extension:   sf.Extension,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "content_hash"}},
			DoNothing: true,
		}).Create(&sfModel)
		if res.Error != nil {
			return fmt.Errorf("create stored file: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Someone else just created it; link to the winner.
			if err := tx.Where("content_hash = ?", sf.ContentHash).First(&sfModel).Error; err != nil {
				return fmt.Errorf("re-read stored file after conflict: %w", err)
			}
		}
		docModel = documentToModel(doc)
		if docModel.ID == "" {
			docModel.ID = uuid.NewString()
		}
		docModel.StoredFileID = sfModel.ID
		if err := tx.Create(&docModel).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("create document %s: %w", docModel.ID, ErrConflict)
			}
			return fmt.Errorf("create document %s: %w", docModel.ID, err)
		}
		return nil
	})
	if err != nil {
		return domain.Document{}, domain.StoredFile{}, err
	}
	return documentFromModel(docModel, sfModel), storedFileFromModel(sfModel), nil
}

// CreateDocument inserts only a document row referencing an existing stored
// file. Nothing external is mutated, so no compensating action applies.
func (s *GormStore) CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	m := documentToModel(doc)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Document{}, fmt.Errorf("create document %s: %w", m.ID, ErrConflict)
		}
		return domain.Document{}, fmt.Errorf("create document %s: %w", m.ID, err)
	}
	var sfModel StoredFileModel
	if err := s.db.WithContext(ctx).First(&sfModel, "id = ?", m.StoredFileID).Error; err != nil {
		return domain.Document{}, fmt.Errorf("load stored file %d: %w", m.StoredFileID, err)
	}
	return documentFromModel(m, sfModel), nil
}

// IsStoredFileOrphan reports whether zero documents reference the file.
// Meaningful only after the referencing document row is already gone.
func (s *GormStore) IsStoredFileOrphan(ctx context.Context, storedFileID int64) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&DocumentModel{}).Where("stored_file_id = ?", storedFileID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count references for stored file %d: %w", storedFileID, err)
	}
	return count == 0, nil
}

// DeleteStoredFile removes the registry row for an orphaned physical file.
func (s *GormStore) DeleteStoredFile(ctx context.Context, storedFileID int64) error {
	if err := s.db.WithContext(ctx).Delete(&StoredFileModel{}, "id = ?", storedFileID).Error; err != nil {
		return fmt.Errorf("delete stored file %d: %w", storedFileID, err)
	}
	return nil
}

// ListStoredFiles pages through physical files, newest first.
func (s *GormStore) ListStoredFiles(ctx context.Context, limit, offset int) ([]domain.StoredFile, error) {
	tx := s.db.WithContext(ctx).Order("first_uploaded_at DESC").Offset(offset)
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var models []StoredFileModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	res := make([]domain.StoredFile, 0, len(models))
	for _, m := range models {
		res = append(res, storedFileFromModel(m))
	}
	return res, nil
}
