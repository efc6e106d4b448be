package store

import (
	"context"
	"time"

	"sensorydata/pkg/domain"
)

// Store defines persistence operations for stored files, documents, lines,
// and the two job queues. Postgres (GormStore) backs production; MemoryStore
// backs tests and local development.
type Store interface {
	// stored files (dedup authority)
	FindStoredFileByHash(ctx context.Context, contentHash string) (domain.StoredFile, bool, error)
	// CreateDocumentWithStoredFile inserts the stored-file row and the
	// document row in one transaction (the new-content upload path). If a
	// concurrent upload already created a row for the same content hash,
	// the document is linked to that winner instead and the winner is
	// returned, so the caller can discard its own blob.
	CreateDocumentWithStoredFile(ctx context.Context, doc domain.Document, sf domain.StoredFile) (domain.Document, domain.StoredFile, error)
	// CreateDocument inserts only a document row referencing an existing
	// stored file (the duplicate-content fast path).
	CreateDocument(ctx context.Context, doc domain.Document) (domain.Document, error)
	IsStoredFileOrphan(ctx context.Context, storedFileID int64) (bool, error)
	DeleteStoredFile(ctx context.Context, storedFileID int64) error
	ListStoredFiles(ctx context.Context, limit, offset int) ([]domain.StoredFile, error)

	// documents
	GetDocument(ctx context.Context, docID string) (domain.Document, bool, error)
	UpdateDocument(ctx context.Context, docID string, patch map[string]any) (domain.Document, bool, error)
	SetSyncEnabled(ctx context.Context, docID string, enabled bool) (bool, error)
	DeleteDocument(ctx context.Context, docID string) (bool, error)

	// lines
	// ImportLines bulk-inserts a document's lines and their detail rows in
	// one transaction. It fails with ErrConflict if the document already
	// has lines. The returned jobs are the image rows left in "pending"
	// state, i.e. the ones eligible for a dispatch notification.
	ImportLines(ctx context.Context, docID string, docType domain.DocType, lines []domain.LineInput) ([]domain.ImageJob, error)
	// ClearLines removes the document's raw lines and their structural and
	// audio details. Image detail rows stay: caption results are keyed by
	// (doc_id, image_hash) and survive a clear-and-reimport.
	ClearLines(ctx context.Context, docID string) (int, error)
	UpdateContent(ctx context.Context, docID, blockID, newContent string) (bool, error)
	CopyLines(ctx context.Context, sourceDocID, targetDocID string) (int, error)
	GetJoinedLines(ctx context.Context, docID string) ([]domain.EnrichedLine, error)
	GetTextContents(ctx context.Context, docID string) ([]string, error)

	// image caption jobs
	ClaimImageJob(ctx context.Context, lineID string) (domain.ImageJob, bool, error)
	MarkImageJobDone(ctx context.Context, lineID, resultText, llmModel string) error
	MarkImageJobFailed(ctx context.Context, lineID, errMsg string) error
	MarkImageJobForRetry(ctx context.Context, lineID, errMsg string) error
	FindStalledImageJobs(ctx context.Context, olderThan time.Duration) ([]domain.ImageJob, error)
	ListImageJobsByDoc(ctx context.Context, docID string) ([]domain.ImageJob, error)

	// autotag tasks
	CreateOrGetPendingAutotag(ctx context.Context, docID, llmModel string) (domain.AutotagTask, bool, error)
	ClaimAutotagTask(ctx context.Context, taskID string) (domain.AutotagTask, bool, error)
	MarkAutotagDone(ctx context.Context, taskID string, result map[string]any) error
	MarkAutotagFailed(ctx context.Context, taskID, reason string) error
	SetAutotagError(ctx context.Context, taskID, errMsg string) error
	FindStalledAutotagTasks(ctx context.Context, olderThan time.Duration) ([]domain.AutotagTask, error)
}
