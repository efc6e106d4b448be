package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sensorydata/pkg/domain"
)

// ClaimImageJob atomically transitions pending/enqueued -> processing and
// increments attempts. Exactly one concurrent claimer wins; losers get
// (zero, false, nil).
func (s *GormStore) ClaimImageJob(ctx context.Context, lineID string) (domain.ImageJob, bool, error) {
	var claimed []ImageLineDetailModel
	res := s.db.WithContext(ctx).Model(&claimed).
		Clauses(clause.Returning{}).
		Where("line_id = ? AND status IN ?", lineID,
			[]string{string(domain.StatusPending), string(domain.StatusEnqueued)}).
		Updates(map[string]any{
			"status":     string(domain.StatusProcessing),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.ImageJob{}, false, fmt.Errorf("claim image job %s: %w", lineID, res.Error)
	}
	if len(claimed) == 0 {
		return domain.ImageJob{}, false, nil
	}
	return imageJobFromModel(claimed[0]), true, nil
}

// MarkImageJobDone records the caption result. Terminal.
func (s *GormStore) MarkImageJobDone(ctx context.Context, lineID, resultText, llmModel string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":       string(domain.StatusDone),
		"result_text":  resultText,
		"last_error":   nil,
		"processed_at": now,
		"updated_at":   now,
	}
	if llmModel != "" {
		updates["llm_model"] = llmModel
	}
	return s.updateImageJob(ctx, lineID, updates)
}

// MarkImageJobFailed records the error. Terminal until a retry transition.
func (s *GormStore) MarkImageJobFailed(ctx context.Context, lineID, errMsg string) error {
	return s.updateImageJob(ctx, lineID, map[string]any{
		"status":     string(domain.StatusFailed),
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	})
}

// MarkImageJobForRetry re-arms the job for an external retry scheduler,
// distinguishing "will be retried soon" from "permanently abandoned".
func (s *GormStore) MarkImageJobForRetry(ctx context.Context, lineID, errMsg string) error {
	return s.updateImageJob(ctx, lineID, map[string]any{
		"status":     string(domain.StatusEnqueued),
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) updateImageJob(ctx context.Context, lineID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&ImageLineDetailModel{}).
		Where("line_id = ?", lineID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update image job %s: %w", lineID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("image job %s: %w", lineID, ErrNotFound)
	}
	return nil
}

// FindStalledImageJobs surfaces enqueued/processing jobs whose updated_at is
// older than the threshold. It changes no state; the reaper re-enqueues.
func (s *GormStore) FindStalledImageJobs(ctx context.Context, olderThan time.Duration) ([]domain.ImageJob, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var models []ImageLineDetailModel
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(domain.StatusEnqueued), string(domain.StatusProcessing)}, cutoff).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("find stalled image jobs: %w", err)
	}
	res := make([]domain.ImageJob, 0, len(models))
	for _, m := range models {
		res = append(res, imageJobFromModel(m))
	}
	return res, nil
}

// ListImageJobsByDoc returns a document's image jobs oldest first.
func (s *GormStore) ListImageJobsByDoc(ctx context.Context, docID string) ([]domain.ImageJob, error) {
	var models []ImageLineDetailModel
	if err := s.db.WithContext(ctx).Where("doc_id = ?", docID).Order("created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list image jobs for %s: %w", docID, err)
	}
	res := make([]domain.ImageJob, 0, len(models))
	for _, m := range models {
		res = append(res, imageJobFromModel(m))
	}
	return res, nil
}
