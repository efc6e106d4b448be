package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sensorydata/pkg/domain"
	"sensorydata/pkg/notify"
	"sensorydata/pkg/storage"
	"sensorydata/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	Notifier       notify.Notifier
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	PresignExpiry  time.Duration
	StallThreshold time.Duration
}

// App ties the blob store, the relational store and the notification
// channel together. Upload and delete are the two cross-system operations;
// everything else delegates to one backend and wraps errors with context.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	notifier       notify.Notifier
	presignExpiry  time.Duration
	stallThreshold time.Duration
}

// New constructs the application. Store, Objects and Notifier may be injected
// for tests; otherwise they are built from the connection settings.
func New(cfg Config) (*App, error) {
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, err
		}
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewMemoryNotifier()
	}
	presignExpiry := cfg.PresignExpiry
	if presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}
	stallThreshold := cfg.StallThreshold
	if stallThreshold <= 0 {
		stallThreshold = 30 * time.Minute
	}
	return &App{
		store:          dataStore,
		objects:        objects,
		notifier:       notifier,
		presignExpiry:  presignExpiry,
		stallThreshold: stallThreshold,
	}, nil
}

// Upload ingests a file. Identical content links to the existing stored file
// without touching the blob store; new content writes the blob first, then
// creates both rows in one transaction. A failed transaction after a
// successful blob write deletes the just-written blob before returning.
// Every created document is announced so the parser fleet picks it up.
func (a *App) Upload(ctx context.Context, create domain.DocumentCreate, filename string, content []byte) (domain.Document, error) {
	if len(content) == 0 {
		return domain.Document{}, fmt.Errorf("upload %s: %w", filename, ErrEmptyContent)
	}
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	doc := domain.Document{
		ID:             uuid.NewString(),
		UserDocumentID: create.UserDocumentID,
		Name:           create.Name,
		OwnerID:        create.OwnerID,
		AccessGroupID:  create.AccessGroupID,
		Metadata:       create.Metadata,
		DocType:        create.DocType,
		IsPublic:       create.IsPublic,
	}
	if doc.Name == "" {
		doc.Name = filepath.Base(filename)
	}

	existing, found, err := a.store.FindStoredFileByHash(ctx, contentHash)
	if err != nil {
		return domain.Document{}, fmt.Errorf("lookup hash %s: %w", contentHash, err)
	}
	if found {
		doc.StoredFileID = existing.ID
		created, err := a.store.CreateDocument(ctx, doc)
		if err != nil {
			return domain.Document{}, fmt.Errorf("create document for %s: %w", filename, err)
		}
		a.publishDocumentCreated(ctx, created)
		return created, nil
	}

	extension := extensionOf(filename)
	objectPath := rawObjectPath(extension, doc.ID, filename)
	contentType := mime.TypeByExtension("." + extension)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, objectPath, bytes.NewReader(content), int64(len(content)), contentType); err != nil {
		return domain.Document{}, fmt.Errorf("write blob for %s: %w", filename, err)
	}

	created, sf, err := a.store.CreateDocumentWithStoredFile(ctx, doc, domain.StoredFile{
		ContentHash: contentHash,
		ObjectPath:  objectPath,
		SizeBytes:   int64(len(content)),
		Extension:   extension,
	})
	if err != nil {
		if delErr := a.objects.Delete(context.WithoutCancel(ctx), objectPath); delErr != nil {
			slog.Error("compensating blob delete failed", "object_path", objectPath, "error", delErr)
		}
		return domain.Document{}, fmt.Errorf("create document for %s: %w", filename, err)
	}
	if sf.ObjectPath != objectPath {
		// Lost the insert race to a concurrent identical upload. The winner's
		// blob is the one referenced; ours is unreachable garbage.
		if delErr := a.objects.Delete(ctx, objectPath); delErr != nil {
			slog.Warn("delete of losing duplicate blob failed", "object_path", objectPath, "error", delErr)
		}
	}
	a.publishDocumentCreated(ctx, created)
	return created, nil
}

// Delete removes a document. The document row is gone even if blob cleanup
// fails; orphaned stored files lose their blob and registry row.
func (a *App) Delete(ctx context.Context, docID string) error {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("get document %s: %w", docID, err)
	}
	if !ok {
		return fmt.Errorf("document %s: %w", docID, store.ErrNotFound)
	}
	deleted, err := a.store.DeleteDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	if !deleted {
		return nil
	}
	orphan, err := a.store.IsStoredFileOrphan(ctx, doc.StoredFileID)
	if err != nil {
		return fmt.Errorf("orphan check for stored file %d: %w", doc.StoredFileID, err)
	}
	if !orphan {
		return nil
	}
	if err := a.objects.Delete(ctx, doc.ObjectPath); err != nil {
		slog.Error("orphan blob delete failed", "doc_id", docID, "object_path", doc.ObjectPath, "error", err)
	}
	if err := a.store.DeleteStoredFile(ctx, doc.StoredFileID); err != nil {
		return fmt.Errorf("delete stored file %d: %w", doc.StoredFileID, err)
	}
	return nil
}

// GetDocument returns the materialized document view.
func (a *App) GetDocument(ctx context.Context, docID string) (domain.Document, bool, error) {
	return a.store.GetDocument(ctx, docID)
}

// UpdateDocument applies a metadata patch and bumps the edited timestamp.
func (a *App) UpdateDocument(ctx context.Context, docID string, patch map[string]any) (domain.Document, bool, error) {
	return a.store.UpdateDocument(ctx, docID, patch)
}

// SetSyncEnabled toggles search-sync eligibility for a document.
func (a *App) SetSyncEnabled(ctx context.Context, docID string, enabled bool) (bool, error) {
	return a.store.SetSyncEnabled(ctx, docID, enabled)
}

// ListStoredFiles pages through the physical-content registry.
func (a *App) ListStoredFiles(ctx context.Context, limit, offset int) ([]domain.StoredFile, error) {
	return a.store.ListStoredFiles(ctx, limit, offset)
}

// GetFile downloads a document's original bytes.
func (a *App) GetFile(ctx context.Context, docID string) ([]byte, domain.Document, error) {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, domain.Document{}, fmt.Errorf("get document %s: %w", docID, err)
	}
	if !ok {
		return nil, domain.Document{}, fmt.Errorf("document %s: %w", docID, store.ErrNotFound)
	}
	data, err := a.objects.Get(ctx, doc.ObjectPath)
	if err != nil {
		return nil, domain.Document{}, fmt.Errorf("read blob for %s: %w", docID, err)
	}
	return data, doc, nil
}

// PresignDownload returns a time-limited URL for the document's blob.
func (a *App) PresignDownload(ctx context.Context, docID string) (string, error) {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("get document %s: %w", docID, err)
	}
	if !ok {
		return "", fmt.Errorf("document %s: %w", docID, store.ErrNotFound)
	}
	url, err := a.objects.PresignGet(ctx, doc.ObjectPath, a.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign for %s: %w", docID, err)
	}
	return url, nil
}

// PutImage stores an extracted page image next to the document's raw blob,
// under the key image captioning workers will read from.
func (a *App) PutImage(ctx context.Context, docID, filename string, content []byte) (string, error) {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("get document %s: %w", docID, err)
	}
	if !ok {
		return "", fmt.Errorf("document %s: %w", docID, store.ErrNotFound)
	}
	key := imageObjectPath(doc.Extension, docID, filename)
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, bytes.NewReader(content), int64(len(content)), contentType); err != nil {
		return "", fmt.Errorf("write image for %s: %w", docID, err)
	}
	return key, nil
}

// ImportLines bulk-inserts parsed lines and broadcasts one event per image
// caption row that entered the pending state. Events are published after the
// transaction committed; a publish failure is logged, not rolled back, since
// workers also poll the store.
func (a *App) ImportLines(ctx context.Context, docID string, lines []domain.LineInput) (int, error) {
	doc, ok, err := a.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("get document %s: %w", docID, err)
	}
	if !ok {
		return 0, fmt.Errorf("document %s: %w", docID, store.ErrNotFound)
	}
	jobs, err := a.store.ImportLines(ctx, docID, doc.DocType, lines)
	if err != nil {
		return 0, fmt.Errorf("import lines for %s: %w", docID, err)
	}
	a.publishImageJobs(ctx, doc, jobs)
	return len(lines), nil
}

// ClearLines drops all raw lines for a document. Caption state survives and
// is rejoined on the next import.
func (a *App) ClearLines(ctx context.Context, docID string) (int, error) {
	n, err := a.store.ClearLines(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("clear lines for %s: %w", docID, err)
	}
	return n, nil
}

// UpdateContent backfills a line's content by block id. Unknown block ids
// are a no-op, not an error.
func (a *App) UpdateContent(ctx context.Context, docID, blockID, content string) (bool, error) {
	ok, err := a.store.UpdateContent(ctx, docID, blockID, content)
	if err != nil {
		return false, fmt.Errorf("update content %s/%s: %w", docID, blockID, err)
	}
	return ok, nil
}

// CopyLines clones the source document's lines and caption state into an
// empty target document. Copied rows keep their statuses verbatim; caption
// rows still pending on the target are announced, since nothing else ever
// would be (the stalled sweep only watches enqueued and processing rows).
func (a *App) CopyLines(ctx context.Context, sourceDocID, targetDocID string) (int, error) {
	n, err := a.store.CopyLines(ctx, sourceDocID, targetDocID)
	if err != nil {
		return 0, fmt.Errorf("copy lines %s -> %s: %w", sourceDocID, targetDocID, err)
	}
	if n == 0 {
		return 0, nil
	}
	target, ok, err := a.store.GetDocument(ctx, targetDocID)
	if err != nil || !ok {
		slog.Error("target lookup after copy failed", "doc_id", targetDocID, "error", err)
		return n, nil
	}
	jobs, err := a.store.ListImageJobsByDoc(ctx, targetDocID)
	if err != nil {
		slog.Error("image job listing after copy failed", "doc_id", targetDocID, "error", err)
		return n, nil
	}
	var pending []domain.ImageJob
	for _, job := range jobs {
		if job.Status == domain.StatusPending {
			pending = append(pending, job)
		}
	}
	a.publishImageJobs(ctx, target, pending)
	return n, nil
}

// GetJoinedLines returns the enriched, position-ordered line view.
func (a *App) GetJoinedLines(ctx context.Context, docID string) ([]domain.EnrichedLine, error) {
	return a.store.GetJoinedLines(ctx, docID)
}

// GetTextContents returns non-image, non-blank line contents in order.
func (a *App) GetTextContents(ctx context.Context, docID string) ([]string, error) {
	return a.store.GetTextContents(ctx, docID)
}

func (a *App) publishDocumentCreated(ctx context.Context, doc domain.Document) {
	ev := notify.DocumentEvent{
		DocID:      doc.ID,
		Name:       doc.Name,
		Extension:  doc.Extension,
		ObjectPath: doc.ObjectPath,
	}
	if err := a.notifier.PublishDocument(ctx, ev); err != nil {
		slog.Error("document event publish failed", "doc_id", doc.ID, "error", err)
	}
}

func (a *App) publishImageJobs(ctx context.Context, doc domain.Document, jobs []domain.ImageJob) {
	if len(jobs) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			ev := notify.ImageEvent{
				LineID:     job.LineID,
				DocID:      job.DocID,
				Filename:   job.Filename,
				Extension:  doc.Extension,
				ObjectPath: job.ObjectKey,
			}
			if err := a.notifier.PublishImage(gctx, ev); err != nil {
				slog.Error("image event publish failed", "doc_id", job.DocID, "line_id", job.LineID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func extensionOf(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}

func rawObjectPath(extension, docID, filename string) string {
	name := filepath.Base(filename)
	if name == "" || name == "." {
		name = "file." + extension
	}
	return extension + "/" + strings.ReplaceAll(docID, "-", "") + "/raw/" + name
}

func imageObjectPath(extension, docID, filename string) string {
	if extension == "" {
		extension = "unknown"
	}
	return extension + "/" + strings.ReplaceAll(docID, "-", "") + "/images/" + filepath.Base(filename)
}
