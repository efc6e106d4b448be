package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sensorydata/pkg/domain"
)

// ImportLines bulk-inserts a document's lines: raw rows first, then one
// detail batch per modality, all inside one transaction serialized per
// document by an advisory lock. Re-import into a non-empty document fails
// with ErrConflict.
func (s *GormStore) ImportLines(ctx context.Context, docID string, docType domain.DocType, lines []domain.LineInput) ([]domain.ImageJob, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	norm, err := normalizeLines(docType, lines)
	if err != nil {
		return nil, err
	}

	var jobs []domain.ImageJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDocument(tx, docID); err != nil {
			return fmt.Errorf("lock document %s: %w", docID, err)
		}
		var count int64
		if err := tx.Model(&RawLineModel{}).Where("doc_id = ?", docID).Count(&count).Error; err != nil {
			return fmt.Errorf("count existing lines: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("document %s already has lines, clear before re-import: %w", docID, ErrConflict)
		}

		extension, err := s.documentExtension(tx, docID)
		if err != nil {
			return err
		}

		coreRows := make([]RawLineModel, 0, len(norm))
		posToID := make(map[int]string, len(norm))
		for _, n := range norm {
			id := uuid.NewString()
			posToID[n.in.Position] = id
			coreRows = append(coreRows, RawLineModel{
				ID:        id,
				DocID:     docID,
				Position:  n.in.Position,
				BlockType: n.blockType,
				Content:   n.content,
			})
		}
		if err := tx.Create(&coreRows).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("insert raw lines for %s: %w", docID, ErrConflict)
			}
			return fmt.Errorf("insert raw lines for %s: %w", docID, err)
		}

		var docDetails []DocumentLineDetailModel
		imageByHash := make(map[string]ImageLineDetailModel)
		var imageHashes []string
		var audioDetails []AudioLineDetailModel
		for _, n := range norm {
			lineID := posToID[n.in.Position]
			if hasDocDetail(n.in) {
				docDetails = append(docDetails, DocumentLineDetailModel{
					LineID:    lineID,
					DocID:     docID,
					PageIdx:   n.in.PageIdx,
					BlockID:   strPtrOrNil(n.in.BlockID),
					Geometry:  toJSON(n.in.Geometry),
					Hierarchy: toJSON(n.in.Hierarchy),
					Attrs:     toJSON(n.in.Attrs),
				})
			}
			if n.isImage {
				// Last line wins for a repeated image hash in one import:
				// the batch must not hit the same conflict target twice.
				if _, seen := imageByHash[n.imageHash]; !seen {
					imageHashes = append(imageHashes, n.imageHash)
				}
				imageByHash[n.imageHash] = ImageLineDetailModel{
					LineID:     lineID,
					DocID:      docID,
					Filename:   n.filename,
					ImageHash:  n.imageHash,
					ObjectKey:  imageObjectKey(extension, docID, n.filename),
					Status:     string(domain.StatusPending),
					ResultText: strPtrOrNil(n.in.ResultText),
					OCRText:    strPtrOrNil(n.in.OCRText),
				}
			}
			if n.isAudio {
				audioDetails = append(audioDetails, audioDetailFromInput(lineID, docID, n.in))
			}
		}

		if len(docDetails) > 0 {
			if err := tx.Create(&docDetails).Error; err != nil {
				return fmt.Errorf("insert line details for %s: %w", docID, err)
			}
		}
		if len(imageByHash) > 0 {
			imageRows := make([]ImageLineDetailModel, 0, len(imageByHash))
			for _, hash := range imageHashes {
				imageRows = append(imageRows, imageByHash[hash])
			}
			if err := upsertImageDetails(tx, imageRows); err != nil {
				return fmt.Errorf("upsert image details for %s: %w", docID, err)
			}
		}
		if len(audioDetails) > 0 {
			if err := tx.Create(&audioDetails).Error; err != nil {
				return fmt.Errorf("insert audio details for %s: %w", docID, err)
			}
		}

		if err := bumpEdited(tx, docID); err != nil {
			return err
		}

		// Rows left pending are the ones eligible for dispatch: fresh
		// inserts and failed rows reset by the upsert. Terminal rows the
		// upsert preserved stay out.
		if len(imageHashes) > 0 {
			var pending []ImageLineDetailModel
			if err := tx.Where("doc_id = ? AND image_hash IN ? AND status = ?", docID, imageHashes, string(domain.StatusPending)).
				Find(&pending).Error; err != nil {
				return fmt.Errorf("collect pending image jobs for %s: %w", docID, err)
			}
			for _, m := range pending {
				jobs = append(jobs, imageJobFromModel(m))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// upsertImageDetails inserts image rows, refreshing line linkage and
// filename on an existing (doc_id, image_hash) pair. A failed row resets to
// pending so it can be retried; done/processing progress is preserved.
func upsertImageDetails(tx *gorm.DB, rows []ImageLineDetailModel) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "doc_id"}, {Name: "image_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"line_id":    gorm.Expr("excluded.line_id"),
			"filename":   gorm.Expr("excluded.filename"),
			"object_key": gorm.Expr("excluded.object_key"),
			"status":     gorm.Expr("CASE WHEN lines_image.status = 'failed' THEN 'pending' ELSE lines_image.status END"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&rows).Error
}

func audioDetailFromInput(lineID, docID string, in domain.LineInput) AudioLineDetailModel {
	m := AudioLineDetailModel{
		LineID:       lineID,
		DocID:        docID,
		SpeakerLabel: strPtrOrNil(in.SpeakerLabel),
		SpeakerIdx:   in.SpeakerIdx,
		Confidence:   in.Confidence,
		EmoPrimary:   strPtrOrNil(in.EmoPrimary),
		EmoScores:    toJSON(in.EmoScores),
		Tasks:        toJSON(in.Tasks),
	}
	if in.StartTS != nil {
		m.StartTS = *in.StartTS
	}
	if in.EndTS != nil {
		m.EndTS = *in.EndTS
	}
	if in.Duration != nil {
		m.Duration = *in.Duration
	} else if in.EndTS != nil && in.StartTS != nil {
		m.Duration = *in.EndTS - *in.StartTS
	}
	return m
}

func (s *GormStore) documentExtension(tx *gorm.DB, docID string) (string, error) {
	var extension string
	err := tx.Model(&DocumentModel{}).
		Select("stored_files.extension").
		Joins("JOIN stored_files ON stored_files.id = documents.stored_file_id").
		Where("documents.id = ?", docID).
		Scan(&extension).Error
	if err != nil {
		return "", fmt.Errorf("resolve extension for document %s: %w", docID, err)
	}
	return extension, nil
}

func bumpEdited(tx *gorm.DB, docID string) error {
	if err := tx.Model(&DocumentModel{}).Where("id = ?", docID).
		Update("edited", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("bump edited for document %s: %w", docID, err)
	}
	return nil
}

// ClearLines deletes the document's raw lines; structural and audio detail
// rows cascade with them. Image detail rows are left in place so captions
// already produced survive a re-import of the same images.
func (s *GormStore) ClearLines(ctx context.Context, docID string) (int, error) {
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDocument(tx, docID); err != nil {
			return fmt.Errorf("lock document %s: %w", docID, err)
		}
		res := tx.Delete(&RawLineModel{}, "doc_id = ?", docID)
		if res.Error != nil {
			return fmt.Errorf("clear lines for %s: %w", docID, res.Error)
		}
		removed = int(res.RowsAffected)
		if removed == 0 {
			return nil
		}
		return bumpEdited(tx, docID)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// UpdateContent is the caption backfill path: rewrites content for the raw
// lines matching block_id and marks their image details done with the new
// text as caption. Zero matches is a no-op, not an error.
func (s *GormStore) UpdateContent(ctx context.Context, docID, blockID, newContent string) (bool, error) {
	matched := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lineIDs []string
		err := tx.Model(&RawLineModel{}).
			Select("raw_lines.id").
			Joins("JOIN lines_document ON lines_document.line_id = raw_lines.id").
			Where("raw_lines.doc_id = ? AND lines_document.block_id = ?", docID, blockID).
			Scan(&lineIDs).Error
		if err != nil {
			return fmt.Errorf("find lines for block %s: %w", blockID, err)
		}
		if len(lineIDs) == 0 {
			return nil
		}
		matched = true

		now := time.Now().UTC()
		if err := tx.Model(&ImageLineDetailModel{}).
			Where("line_id IN ?", lineIDs).
			Updates(map[string]any{
				"status":       string(domain.StatusDone),
				"result_text":  newContent,
				"last_error":   nil,
				"processed_at": now,
				"updated_at":   now,
			}).Error; err != nil {
			return fmt.Errorf("upsert image result for block %s: %w", blockID, err)
		}
		if err := tx.Model(&RawLineModel{}).
			Where("id IN ?", lineIDs).
			Updates(map[string]any{"content": newContent, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("rewrite content for block %s: %w", blockID, err)
		}
		return bumpEdited(tx, docID)
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// CopyLines duplicates the full line set (core plus all present details)
// into the target document, re-minting line ids but preserving positions
// and detail payloads verbatim. Returns the number of lines copied.
func (s *GormStore) CopyLines(ctx context.Context, sourceDocID, targetDocID string) (int, error) {
	copied := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Both documents lock in a fixed order so two opposing copies
		// cannot deadlock.
		first, second := sourceDocID, targetDocID
		if strings.Compare(first, second) > 0 {
			first, second = second, first
		}
		if err := lockDocument(tx, first); err != nil {
			return fmt.Errorf("lock document %s: %w", first, err)
		}
		if err := lockDocument(tx, second); err != nil {
			return fmt.Errorf("lock document %s: %w", second, err)
		}

		var srcCore []RawLineModel
		if err := tx.Where("doc_id = ?", sourceDocID).Order("position").Find(&srcCore).Error; err != nil {
			return fmt.Errorf("read source lines: %w", err)
		}
		if len(srcCore) == 0 {
			return nil
		}

		oldToNew := make(map[string]string, len(srcCore))
		newCore := make([]RawLineModel, 0, len(srcCore))
		for _, r := range srcCore {
			id := uuid.NewString()
			oldToNew[r.ID] = id
			newCore = append(newCore, RawLineModel{
				ID:        id,
				DocID:     targetDocID,
				Position:  r.Position,
				BlockType: r.BlockType,
				Content:   r.Content,
			})
		}
		if err := tx.Create(&newCore).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("copy lines into %s: %w", targetDocID, ErrConflict)
			}
			return fmt.Errorf("copy lines into %s: %w", targetDocID, err)
		}

		var srcDoc []DocumentLineDetailModel
		if err := tx.Where("doc_id = ?", sourceDocID).Find(&srcDoc).Error; err != nil {
			return fmt.Errorf("read source line details: %w", err)
		}
		if len(srcDoc) > 0 {
			rows := make([]DocumentLineDetailModel, 0, len(srcDoc))
			for _, d := range srcDoc {
				newID, ok := oldToNew[d.LineID]
				if !ok {
					continue
				}
				d.LineID = newID
				d.DocID = targetDocID
				rows = append(rows, d)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("copy line details: %w", err)
			}
		}

		var srcImg []ImageLineDetailModel
		if err := tx.Where("doc_id = ?", sourceDocID).Find(&srcImg).Error; err != nil {
			return fmt.Errorf("read source image details: %w", err)
		}
		if len(srcImg) > 0 {
			rows := make([]ImageLineDetailModel, 0, len(srcImg))
			for _, d := range srcImg {
				newID, ok := oldToNew[d.LineID]
				if !ok {
					continue
				}
				d.LineID = newID
				d.DocID = targetDocID
				d.CreatedAt = time.Time{}
				d.UpdatedAt = time.Time{}
				rows = append(rows, d)
			}
			if err := tx.Create(&rows).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("target %s already has caption rows: %w", targetDocID, ErrConflict)
				}
				return fmt.Errorf("copy image details: %w", err)
			}
		}

		var srcAudio []AudioLineDetailModel
		if err := tx.Where("doc_id = ?", sourceDocID).Find(&srcAudio).Error; err != nil {
			return fmt.Errorf("read source audio details: %w", err)
		}
		if len(srcAudio) > 0 {
			rows := make([]AudioLineDetailModel, 0, len(srcAudio))
			for _, d := range srcAudio {
				newID, ok := oldToNew[d.LineID]
				if !ok {
					continue
				}
				d.LineID = newID
				d.DocID = targetDocID
				d.CreatedAt = time.Time{}
				rows = append(rows, d)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("copy audio details: %w", err)
			}
		}

		copied = len(newCore)
		return bumpEdited(tx, targetDocID)
	})
	if err != nil {
		return 0, err
	}
	return copied, nil
}

type joinedLineRow struct {
	LineID    string
	DocID     string
	Position  int
	BlockType string
	Content   string
	CreatedAt time.Time

	PageIdx   *int
	BlockID   *string
	Geometry  datatypes.JSON
	Hierarchy datatypes.JSON
	Attrs     datatypes.JSON

	ImageStatus  *string
	ImageText    *string
	ImageOcrText *string

	StartTS      *float64
	EndTS        *float64
	Duration     *float64
	SpeakerLabel *string
	SpeakerIdx   *int
	Confidence   *float64
	EmoPrimary   *string
	EmoScores    datatypes.JSON
	Tasks        datatypes.JSON
}

// GetJoinedLines returns the document's lines outer-joined with all three
// detail tables, ordered by position. The shape search re-indexing and
// retrieval consumers need.
func (s *GormStore) GetJoinedLines(ctx context.Context, docID string) ([]domain.EnrichedLine, error) {
	var rows []joinedLineRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			r.id AS line_id, r.doc_id, r.position, r.block_type, r.content, r.created_at,
			d.page_idx, d.block_id, d.geometry, d.hierarchy, d.attrs,
			i.status AS image_status, i.result_text AS image_text, i.ocr_text AS image_ocr_text,
			a.start_ts, a.end_ts, a.duration, a.speaker_label, a.speaker_idx,
			a.confidence, a.emo_primary, a.emo_scores, a.tasks
		FROM raw_lines r
		LEFT JOIN lines_document d ON d.line_id = r.id
		LEFT JOIN lines_image i ON i.line_id = r.id
		LEFT JOIN lines_audio a ON a.line_id = r.id
		WHERE r.doc_id = ?
		ORDER BY r.position`, docID).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get joined lines for %s: %w", docID, err)
	}
	res := make([]domain.EnrichedLine, 0, len(rows))
	for _, r := range rows {
		res = append(res, domain.EnrichedLine{
			LineID:       r.LineID,
			DocID:        r.DocID,
			Position:     r.Position,
			BlockType:    r.BlockType,
			Content:      r.Content,
			CreatedAt:    r.CreatedAt,
			PageIdx:      r.PageIdx,
			BlockID:      r.BlockID,
			Geometry:     jsonToMap(r.Geometry),
			Hierarchy:    jsonToMap(r.Hierarchy),
			Attrs:        jsonToMap(r.Attrs),
			ImageStatus:  r.ImageStatus,
			ImageText:    r.ImageText,
			ImageOCRText: r.ImageOcrText,
			StartTS:      r.StartTS,
			EndTS:        r.EndTS,
			Duration:     r.Duration,
			SpeakerLabel: r.SpeakerLabel,
			SpeakerIdx:   r.SpeakerIdx,
			Confidence:   r.Confidence,
			EmoPrimary:   r.EmoPrimary,
			EmoScores:    jsonToFloatMap(r.EmoScores),
			Tasks:        jsonToStrings(r.Tasks),
		})
	}
	return res, nil
}

// GetTextContents returns non-image line contents ordered by position,
// blanks dropped. Feed for autotagging and search.
func (s *GormStore) GetTextContents(ctx context.Context, docID string) ([]string, error) {
	var contents []string
	err := s.db.WithContext(ctx).Model(&RawLineModel{}).
		Select("content").
		Where("doc_id = ? AND block_type NOT IN ?", docID, []string{"image", "image_placeholder"}).
		Order("position ASC").
		Scan(&contents).Error
	if err != nil {
		return nil, fmt.Errorf("get text contents for %s: %w", docID, err)
	}
	res := make([]string, 0, len(contents))
	for _, c := range contents {
		if c = strings.TrimSpace(c); c != "" {
			res = append(res, c)
		}
	}
	return res, nil
}
