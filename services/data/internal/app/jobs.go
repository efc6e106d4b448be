package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"sensorydata/pkg/domain"
	"sensorydata/pkg/notify"
)

// ClaimImageJob transitions a pending or enqueued caption row to processing.
// A false return means another worker won or the row is in a terminal state.
func (a *App) ClaimImageJob(ctx context.Context, lineID string) (domain.ImageJob, bool, error) {
	return a.store.ClaimImageJob(ctx, lineID)
}

// CompleteImageJob records a successful caption.
func (a *App) CompleteImageJob(ctx context.Context, lineID, resultText, llmModel string) error {
	if err := a.store.MarkImageJobDone(ctx, lineID, resultText, llmModel); err != nil {
		return fmt.Errorf("complete image job %s: %w", lineID, err)
	}
	return nil
}

// FailImageJob records a terminal caption failure.
func (a *App) FailImageJob(ctx context.Context, lineID, reason string) error {
	if err := a.store.MarkImageJobFailed(ctx, lineID, reason); err != nil {
		return fmt.Errorf("fail image job %s: %w", lineID, err)
	}
	return nil
}

// RetryImageJob puts a caption row back in the claimable queue.
func (a *App) RetryImageJob(ctx context.Context, lineID, reason string) error {
	if err := a.store.MarkImageJobForRetry(ctx, lineID, reason); err != nil {
		return fmt.Errorf("retry image job %s: %w", lineID, err)
	}
	return nil
}

// ListImageJobs returns all caption rows for a document.
func (a *App) ListImageJobs(ctx context.Context, docID string) ([]domain.ImageJob, error) {
	return a.store.ListImageJobsByDoc(ctx, docID)
}

// EnqueueAutotag ensures a single active autotag task for the document and
// broadcasts it. An already-active task is returned without a new event.
func (a *App) EnqueueAutotag(ctx context.Context, docID, llmModel string) (domain.AutotagTask, error) {
	task, created, err := a.store.CreateOrGetPendingAutotag(ctx, docID, llmModel)
	if err != nil {
		return domain.AutotagTask{}, fmt.Errorf("enqueue autotag for %s: %w", docID, err)
	}
	if created {
		ev := notify.AutotagEvent{TaskID: task.ID, DocID: docID, Status: string(task.Status)}
		if err := a.notifier.PublishAutotag(ctx, ev); err != nil {
			slog.Error("autotag event publish failed", "doc_id", docID, "task_id", task.ID, "error", err)
		}
	}
	return task, nil
}

// ClaimAutotagTask transitions a task to processing. Processing tasks may be
// re-claimed so a restarted worker can resume its own work.
func (a *App) ClaimAutotagTask(ctx context.Context, taskID string) (domain.AutotagTask, bool, error) {
	return a.store.ClaimAutotagTask(ctx, taskID)
}

// CompleteAutotag records the generated tags.
func (a *App) CompleteAutotag(ctx context.Context, taskID string, result map[string]any) error {
	if err := a.store.MarkAutotagDone(ctx, taskID, result); err != nil {
		return fmt.Errorf("complete autotag %s: %w", taskID, err)
	}
	return nil
}

// FailAutotag records a terminal autotag failure.
func (a *App) FailAutotag(ctx context.Context, taskID, reason string) error {
	if err := a.store.MarkAutotagFailed(ctx, taskID, reason); err != nil {
		return fmt.Errorf("fail autotag %s: %w", taskID, err)
	}
	return nil
}

// RecordAutotagError attaches a transient error without changing status.
func (a *App) RecordAutotagError(ctx context.Context, taskID, errMsg string) error {
	if err := a.store.SetAutotagError(ctx, taskID, errMsg); err != nil {
		return fmt.Errorf("record autotag error %s: %w", taskID, err)
	}
	return nil
}

// RequeueStalled finds jobs stuck in enqueued/processing past the stall
// threshold, resets image jobs to the claimable state and re-broadcasts
// everything. Returns the number of jobs touched.
func (a *App) RequeueStalled(ctx context.Context) (int, error) {
	stalledImages, err := a.store.FindStalledImageJobs(ctx, a.stallThreshold)
	if err != nil {
		return 0, fmt.Errorf("find stalled image jobs: %w", err)
	}
	stalledTasks, err := a.store.FindStalledAutotagTasks(ctx, a.stallThreshold)
	if err != nil {
		return 0, fmt.Errorf("find stalled autotag tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, job := range stalledImages {
		job := job
		g.Go(func() error {
			if err := a.store.MarkImageJobForRetry(gctx, job.LineID, "stalled, requeued"); err != nil {
				slog.Error("stalled image requeue failed", "line_id", job.LineID, "error", err)
				return nil
			}
			doc, ok, err := a.store.GetDocument(gctx, job.DocID)
			if err != nil || !ok {
				slog.Warn("stalled image has no document", "doc_id", job.DocID, "error", err)
				return nil
			}
			ev := notify.ImageEvent{
				LineID:     job.LineID,
				DocID:      job.DocID,
				Filename:   job.Filename,
				Extension:  doc.Extension,
				ObjectPath: job.ObjectKey,
			}
			if err := a.notifier.PublishImage(gctx, ev); err != nil {
				slog.Error("stalled image event publish failed", "line_id", job.LineID, "error", err)
			}
			return nil
		})
	}
	for _, task := range stalledTasks {
		task := task
		g.Go(func() error {
			// Autotag claims allow processing re-entry, no reset needed.
			ev := notify.AutotagEvent{TaskID: task.ID, DocID: task.DocID, Status: string(task.Status)}
			if err := a.notifier.PublishAutotag(gctx, ev); err != nil {
				slog.Error("stalled autotag event publish failed", "task_id", task.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(stalledImages) + len(stalledTasks), nil
}

// RunReaper periodically requeues stalled jobs until the context ends.
func (a *App) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.RequeueStalled(ctx)
			if err != nil {
				slog.Error("stalled job sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("requeued stalled jobs", "count", n)
			}
		}
	}
}
