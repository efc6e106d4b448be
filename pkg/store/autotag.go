package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sensorydata/pkg/domain"
)

// CreateOrGetPendingAutotag is the sole creation entrypoint for autotag
// tasks: at most one active (enqueued/processing) task exists per document.
// The bool reports whether a new task was created.
func (s *GormStore) CreateOrGetPendingAutotag(ctx context.Context, docID, llmModel string) (domain.AutotagTask, bool, error) {
	var (
		model   AutotagTaskModel
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Advisory lock on the doc id keeps two concurrent creators from
		// both missing the active-task check.
		if err := lockDocument(tx, docID); err != nil {
			return fmt.Errorf("lock document %s: %w", docID, err)
		}
		err := tx.Where("doc_id = ? AND status IN ?", docID,
			[]string{string(domain.StatusEnqueued), string(domain.StatusProcessing)}).
			First(&model).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find active autotag task for %s: %w", docID, err)
		}
		model = AutotagTaskModel{
			ID:       uuid.NewString(),
			DocID:    docID,
			Status:   string(domain.StatusEnqueued),
			LLMModel: strPtrOrNil(llmModel),
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create autotag task for %s: %w", docID, err)
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.AutotagTask{}, false, err
	}
	return autotagFromModel(model), created, nil
}

// ClaimAutotagTask transitions enqueued/processing -> processing and bumps
// attempts. Re-claiming a processing task is allowed: backoff retries
// re-enter without flipping the status back to enqueued.
func (s *GormStore) ClaimAutotagTask(ctx context.Context, taskID string) (domain.AutotagTask, bool, error) {
	var claimed []AutotagTaskModel
	res := s.db.WithContext(ctx).Model(&claimed).
		Clauses(clause.Returning{}).
		Where("id = ? AND status IN ?", taskID,
			[]string{string(domain.StatusEnqueued), string(domain.StatusProcessing)}).
		Updates(map[string]any{
			"status":     string(domain.StatusProcessing),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return domain.AutotagTask{}, false, fmt.Errorf("claim autotag task %s: %w", taskID, res.Error)
	}
	if len(claimed) == 0 {
		return domain.AutotagTask{}, false, nil
	}
	return autotagFromModel(claimed[0]), true, nil
}

// MarkAutotagDone stores the tag result. Terminal.
func (s *GormStore) MarkAutotagDone(ctx context.Context, taskID string, result map[string]any) error {
	now := time.Now().UTC()
	return s.updateAutotag(ctx, taskID, map[string]any{
		"status":       string(domain.StatusDone),
		"result_json":  toJSON(result),
		"last_error":   nil,
		"processed_at": now,
		"updated_at":   now,
	})
}

// MarkAutotagFailed records the terminal failure reason.
func (s *GormStore) MarkAutotagFailed(ctx context.Context, taskID, reason string) error {
	now := time.Now().UTC()
	return s.updateAutotag(ctx, taskID, map[string]any{
		"status":       string(domain.StatusFailed),
		"last_error":   reason,
		"processed_at": now,
		"updated_at":   now,
	})
}

// SetAutotagError records an intermediate error without a status change.
func (s *GormStore) SetAutotagError(ctx context.Context, taskID, errMsg string) error {
	return s.updateAutotag(ctx, taskID, map[string]any{
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) updateAutotag(ctx context.Context, taskID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&AutotagTaskModel{}).Where("id = ?", taskID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update autotag task %s: %w", taskID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("autotag task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// FindStalledAutotagTasks mirrors FindStalledImageJobs for the autotag side.
func (s *GormStore) FindStalledAutotagTasks(ctx context.Context, olderThan time.Duration) ([]domain.AutotagTask, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var models []AutotagTaskModel
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(domain.StatusEnqueued), string(domain.StatusProcessing)}, cutoff).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("find stalled autotag tasks: %w", err)
	}
	res := make([]domain.AutotagTask, 0, len(models))
	for _, m := range models {
		res = append(res, autotagFromModel(m))
	}
	return res, nil
}
