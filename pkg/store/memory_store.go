package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorydata/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and local
// development with the same contract the Postgres store honors; the single
// mutex stands in for transactions and per-document advisory locks.
type MemoryStore struct {
	mu sync.Mutex

	nextStoredFileID int64
	storedFiles      map[int64]domain.StoredFile
	byHash           map[string]int64

	docs map[string]domain.Document

	lines       map[string]memLine       // line id -> core row
	docDetails  map[string]memDocDetail  // line id -> structural detail
	audioLines  map[string]memAudioLine  // line id -> audio detail
	imageJobs   map[string]domain.ImageJob // doc id + "\x00" + image hash
	imageByLine map[string]string          // line id -> image job key

	autotags map[string]domain.AutotagTask
}

type memLine struct {
	ID        string
	DocID     string
	Position  int
	BlockType string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type memDocDetail struct {
	LineID    string
	DocID     string
	PageIdx   *int
	BlockID   string
	Geometry  map[string]any
	Hierarchy map[string]any
	Attrs     map[string]any
}

type memAudioLine struct {
	LineID       string
	DocID        string
	StartTS      float64
	EndTS        float64
	Duration     float64
	SpeakerLabel string
	SpeakerIdx   *int
	Confidence   *float64
	EmoPrimary   string
	EmoScores    map[string]float64
	Tasks        []string
	CreatedAt    time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		storedFiles: make(map[int64]domain.StoredFile),
		byHash:      make(map[string]int64),
		docs:        make(map[string]domain.Document),
		lines:       make(map[string]memLine),
		docDetails:  make(map[string]memDocDetail),
		audioLines:  make(map[string]memAudioLine),
		imageJobs:   make(map[string]domain.ImageJob),
		imageByLine: make(map[string]string),
		autotags:    make(map[string]domain.AutotagTask),
	}
}

func imageKey(docID, imageHash string) string { return docID + "\x00" + imageHash }

func (m *MemoryStore) FindStoredFileByHash(_ context.Context, contentHash string) (domain.StoredFile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[contentHash]
	if !ok {
		return domain.StoredFile{}, false, nil
	}
	return m.storedFiles[id], true, nil
}

func (m *MemoryStore) CreateDocumentWithStoredFile(_ context.Context, doc domain.Document, sf domain.StoredFile) (domain.Document, domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	createdSF := false
	if id, ok := m.byHash[sf.ContentHash]; ok {
		sf = m.storedFiles[id]
	} else {
		m.nextStoredFileID++
		sf.ID = m.nextStoredFileID
		sf.FirstUploadedAt = time.Now().UTC()
		m.storedFiles[sf.ID] = sf
		m.byHash[sf.ContentHash] = sf.ID
		createdSF = true
	}
	created, err := m.createDocumentLocked(doc, sf)
	if err != nil {
		// Mirror transactional semantics: the stored file row created in
		// this call does not survive a failed document insert.
		if createdSF {
			delete(m.byHash, sf.ContentHash)
			delete(m.storedFiles, sf.ID)
		}
		return domain.Document{}, domain.StoredFile{}, err
	}
	return created, sf, nil
}

func (m *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sf, ok := m.storedFiles[doc.StoredFileID]
	if !ok {
		return domain.Document{}, fmt.Errorf("stored file %d: %w", doc.StoredFileID, ErrNotFound)
	}
	return m.createDocumentLocked(doc, sf)
}

func (m *MemoryStore) createDocumentLocked(doc domain.Document, sf domain.StoredFile) (domain.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := m.docs[doc.ID]; exists {
		return domain.Document{}, fmt.Errorf("document %s: %w", doc.ID, ErrConflict)
	}
	for _, other := range m.docs {
		if other.OwnerID == doc.OwnerID && other.UserDocumentID == doc.UserDocumentID {
			return domain.Document{}, fmt.Errorf("document %s/%s: %w", doc.OwnerID, doc.UserDocumentID, ErrConflict)
		}
	}
	now := time.Now().UTC()
	doc.StoredFileID = sf.ID
	doc.ContentHash = sf.ContentHash
	doc.ObjectPath = sf.ObjectPath
	doc.Extension = sf.Extension
	doc.Created = now
	doc.Edited = now
	if doc.DocType == "" {
		doc.DocType = domain.DocTypeGeneric
	}
	doc.IsSyncEnabled = true
	m.docs[doc.ID] = doc
	return doc, nil
}

func (m *MemoryStore) IsStoredFileOrphan(_ context.Context, storedFileID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.StoredFileID == storedFileID {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) DeleteStoredFile(_ context.Context, storedFileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sf, ok := m.storedFiles[storedFileID]; ok {
		delete(m.byHash, sf.ContentHash)
		delete(m.storedFiles, storedFileID)
	}
	return nil
}

func (m *MemoryStore) ListStoredFiles(_ context.Context, limit, offset int) ([]domain.StoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]domain.StoredFile, 0, len(m.storedFiles))
	for _, sf := range m.storedFiles {
		all = append(all, sf)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FirstUploadedAt.After(all[j].FirstUploadedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) GetDocument(_ context.Context, docID string) (domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	return d, ok, nil
}

func (m *MemoryStore) UpdateDocument(_ context.Context, docID string, patch map[string]any) (domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return domain.Document{}, false, nil
	}
	for key, val := range patch {
		switch key {
		case "name":
			if v, ok := val.(string); ok {
				d.Name = v
			}
		case "is_public":
			if v, ok := val.(bool); ok {
				d.IsPublic = v
			}
		case "access_group_id":
			if v, ok := val.(string); ok {
				d.AccessGroupID = v
			}
		case "metadata":
			if v, ok := val.(map[string]any); ok {
				d.Metadata = v
			}
		}
	}
	d.Edited = time.Now().UTC()
	m.docs[docID] = d
	return d, true, nil
}

func (m *MemoryStore) SetSyncEnabled(_ context.Context, docID string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return false, nil
	}
	d.IsSyncEnabled = enabled
	d.Edited = time.Now().UTC()
	m.docs[docID] = d
	return true, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, docID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return false, nil
	}
	delete(m.docs, docID)
	for id, ln := range m.lines {
		if ln.DocID == docID {
			delete(m.lines, id)
			delete(m.docDetails, id)
			delete(m.audioLines, id)
			delete(m.imageByLine, id)
		}
	}
	for key, job := range m.imageJobs {
		if job.DocID == docID {
			delete(m.imageJobs, key)
		}
	}
	for id, task := range m.autotags {
		if task.DocID == docID {
			delete(m.autotags, id)
		}
	}
	return true, nil
}

func (m *MemoryStore) ImportLines(_ context.Context, docID string, docType domain.DocType, lines []domain.LineInput) ([]domain.ImageJob, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	norm, err := normalizeLines(docType, lines)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ln := range m.lines {
		if ln.DocID == docID {
			return nil, fmt.Errorf("document %s already has lines, clear before re-import: %w", docID, ErrConflict)
		}
	}

	extension := "unknown"
	if doc, ok := m.docs[docID]; ok {
		if sf, ok := m.storedFiles[doc.StoredFileID]; ok && sf.Extension != "" {
			extension = sf.Extension
		}
	}

	now := time.Now().UTC()
	var pendingKeys []string
	for _, n := range norm {
		lineID := uuid.NewString()
		m.lines[lineID] = memLine{
			ID:        lineID,
			DocID:     docID,
			Position:  n.in.Position,
			BlockType: n.blockType,
			Content:   n.content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if hasDocDetail(n.in) {
			m.docDetails[lineID] = memDocDetail{
				LineID:    lineID,
				DocID:     docID,
				PageIdx:   n.in.PageIdx,
				BlockID:   n.in.BlockID,
				Geometry:  n.in.Geometry,
				Hierarchy: n.in.Hierarchy,
				Attrs:     n.in.Attrs,
			}
		}
		if n.isImage {
			key := imageKey(docID, n.imageHash)
			if existing, ok := m.imageJobs[key]; ok {
				delete(m.imageByLine, existing.LineID)
				existing.LineID = lineID
				existing.Filename = n.filename
				existing.ObjectKey = imageObjectKey(extension, docID, n.filename)
				existing.UpdatedAt = now
				if existing.Status == domain.StatusFailed {
					existing.Status = domain.StatusPending
				}
				m.imageJobs[key] = existing
			} else {
				m.imageJobs[key] = domain.ImageJob{
					LineID:     lineID,
					DocID:      docID,
					Filename:   n.filename,
					ImageHash:  n.imageHash,
					ObjectKey:  imageObjectKey(extension, docID, n.filename),
					Status:     domain.StatusPending,
					ResultText: n.in.ResultText,
					OCRText:    n.in.OCRText,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
			}
			m.imageByLine[lineID] = key
			pendingKeys = append(pendingKeys, key)
		}
		if n.isAudio {
			al := memAudioLine{
				LineID:       lineID,
				DocID:        docID,
				SpeakerLabel: n.in.SpeakerLabel,
				SpeakerIdx:   n.in.SpeakerIdx,
				Confidence:   n.in.Confidence,
				EmoPrimary:   n.in.EmoPrimary,
				EmoScores:    n.in.EmoScores,
				Tasks:        n.in.Tasks,
				CreatedAt:    now,
			}
			if n.in.StartTS != nil {
				al.StartTS = *n.in.StartTS
			}
			if n.in.EndTS != nil {
				al.EndTS = *n.in.EndTS
			}
			if n.in.Duration != nil {
				al.Duration = *n.in.Duration
			} else if n.in.StartTS != nil && n.in.EndTS != nil {
				al.Duration = *n.in.EndTS - *n.in.StartTS
			}
			m.audioLines[lineID] = al
		}
	}
	m.bumpEditedLocked(docID)

	var jobs []domain.ImageJob
	seen := make(map[string]struct{})
	for _, key := range pendingKeys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if job, ok := m.imageJobs[key]; ok && job.Status == domain.StatusPending {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (m *MemoryStore) ClearLines(_ context.Context, docID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ln := range m.lines {
		if ln.DocID == docID {
			delete(m.lines, id)
			delete(m.docDetails, id)
			delete(m.audioLines, id)
			delete(m.imageByLine, id)
			removed++
		}
	}
	if removed > 0 {
		m.bumpEditedLocked(docID)
	}
	return removed, nil
}

func (m *MemoryStore) UpdateContent(_ context.Context, docID, blockID, newContent string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	matched := false
	for lineID, d := range m.docDetails {
		if d.DocID != docID || d.BlockID != blockID {
			continue
		}
		matched = true
		ln := m.lines[lineID]
		ln.Content = newContent
		ln.UpdatedAt = now
		m.lines[lineID] = ln
		if key, ok := m.imageByLine[lineID]; ok {
			job := m.imageJobs[key]
			job.Status = domain.StatusDone
			job.ResultText = newContent
			job.LastError = ""
			processedAt := now
			job.ProcessedAt = &processedAt
			job.UpdatedAt = now
			m.imageJobs[key] = job
		}
	}
	if matched {
		m.bumpEditedLocked(docID)
	}
	return matched, nil
}

func (m *MemoryStore) CopyLines(_ context.Context, sourceDocID, targetDocID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.linesOfLocked(sourceDocID)
	if len(src) == 0 {
		return 0, nil
	}
	for _, ln := range m.lines {
		if ln.DocID == targetDocID {
			return 0, fmt.Errorf("document %s already has lines: %w", targetDocID, ErrConflict)
		}
	}
	// Caption rows key on (doc, image hash) and survive a line clear, so a
	// collision on the target is checked up front before anything mutates.
	for _, ln := range src {
		key, ok := m.imageByLine[ln.ID]
		if !ok {
			continue
		}
		if _, exists := m.imageJobs[imageKey(targetDocID, m.imageJobs[key].ImageHash)]; exists {
			return 0, fmt.Errorf("target %s already has caption rows: %w", targetDocID, ErrConflict)
		}
	}
	now := time.Now().UTC()
	for _, ln := range src {
		newID := uuid.NewString()
		m.lines[newID] = memLine{
			ID:        newID,
			DocID:     targetDocID,
			Position:  ln.Position,
			BlockType: ln.BlockType,
			Content:   ln.Content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if d, ok := m.docDetails[ln.ID]; ok {
			d.LineID = newID
			d.DocID = targetDocID
			m.docDetails[newID] = d
		}
		if a, ok := m.audioLines[ln.ID]; ok {
			a.LineID = newID
			a.DocID = targetDocID
			a.CreatedAt = now
			m.audioLines[newID] = a
		}
		if key, ok := m.imageByLine[ln.ID]; ok {
			job := m.imageJobs[key]
			job.LineID = newID
			job.DocID = targetDocID
			job.CreatedAt = now
			job.UpdatedAt = now
			newKey := imageKey(targetDocID, job.ImageHash)
			m.imageJobs[newKey] = job
			m.imageByLine[newID] = newKey
		}
	}
	m.bumpEditedLocked(targetDocID)
	return len(src), nil
}

func (m *MemoryStore) linesOfLocked(docID string) []memLine {
	var res []memLine
	for _, ln := range m.lines {
		if ln.DocID == docID {
			res = append(res, ln)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Position < res[j].Position })
	return res
}

func (m *MemoryStore) bumpEditedLocked(docID string) {
	if d, ok := m.docs[docID]; ok {
		d.Edited = time.Now().UTC()
		m.docs[docID] = d
	}
}

func (m *MemoryStore) GetJoinedLines(_ context.Context, docID string) ([]domain.EnrichedLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.linesOfLocked(docID)
	res := make([]domain.EnrichedLine, 0, len(src))
	for _, ln := range src {
		e := domain.EnrichedLine{
			LineID:    ln.ID,
			DocID:     ln.DocID,
			Position:  ln.Position,
			BlockType: ln.BlockType,
			Content:   ln.Content,
			CreatedAt: ln.CreatedAt,
		}
		if d, ok := m.docDetails[ln.ID]; ok {
			e.PageIdx = d.PageIdx
			e.BlockID = strPtrOrNil(d.BlockID)
			e.Geometry = d.Geometry
			e.Hierarchy = d.Hierarchy
			e.Attrs = d.Attrs
		}
		if key, ok := m.imageByLine[ln.ID]; ok {
			job := m.imageJobs[key]
			status := string(job.Status)
			e.ImageStatus = &status
			e.ImageText = strPtrOrNil(job.ResultText)
			e.ImageOCRText = strPtrOrNil(job.OCRText)
		}
		if a, ok := m.audioLines[ln.ID]; ok {
			start, end, dur := a.StartTS, a.EndTS, a.Duration
			e.StartTS = &start
			e.EndTS = &end
			e.Duration = &dur
			e.SpeakerLabel = strPtrOrNil(a.SpeakerLabel)
			e.SpeakerIdx = a.SpeakerIdx
			e.Confidence = a.Confidence
			e.EmoPrimary = strPtrOrNil(a.EmoPrimary)
			e.EmoScores = a.EmoScores
			e.Tasks = a.Tasks
		}
		res = append(res, e)
	}
	return res, nil
}

func (m *MemoryStore) GetTextContents(_ context.Context, docID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []string
	for _, ln := range m.linesOfLocked(docID) {
		if ln.BlockType == "image" || ln.BlockType == "image_placeholder" {
			continue
		}
		if c := strings.TrimSpace(ln.Content); c != "" {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryStore) ClaimImageJob(_ context.Context, lineID string) (domain.ImageJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.imageByLine[lineID]
	if !ok {
		return domain.ImageJob{}, false, nil
	}
	job := m.imageJobs[key]
	if job.Status != domain.StatusPending && job.Status != domain.StatusEnqueued {
		return domain.ImageJob{}, false, nil
	}
	job.Status = domain.StatusProcessing
	job.Attempts++
	job.UpdatedAt = time.Now().UTC()
	m.imageJobs[key] = job
	return job, true, nil
}

func (m *MemoryStore) MarkImageJobDone(_ context.Context, lineID, resultText, llmModel string) error {
	return m.updateImageJob(lineID, func(job *domain.ImageJob) {
		now := time.Now().UTC()
		job.Status = domain.StatusDone
		job.ResultText = resultText
		if llmModel != "" {
			job.LLMModel = llmModel
		}
		job.LastError = ""
		job.ProcessedAt = &now
	})
}

func (m *MemoryStore) MarkImageJobFailed(_ context.Context, lineID, errMsg string) error {
	return m.updateImageJob(lineID, func(job *domain.ImageJob) {
		job.Status = domain.StatusFailed
		job.LastError = errMsg
	})
}

func (m *MemoryStore) MarkImageJobForRetry(_ context.Context, lineID, errMsg string) error {
	return m.updateImageJob(lineID, func(job *domain.ImageJob) {
		job.Status = domain.StatusEnqueued
		job.LastError = errMsg
	})
}

func (m *MemoryStore) updateImageJob(lineID string, apply func(*domain.ImageJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.imageByLine[lineID]
	if !ok {
		return fmt.Errorf("image job %s: %w", lineID, ErrNotFound)
	}
	job := m.imageJobs[key]
	apply(&job)
	job.UpdatedAt = time.Now().UTC()
	m.imageJobs[key] = job
	return nil
}

func (m *MemoryStore) FindStalledImageJobs(_ context.Context, olderThan time.Duration) ([]domain.ImageJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var res []domain.ImageJob
	for _, job := range m.imageJobs {
		if (job.Status == domain.StatusEnqueued || job.Status == domain.StatusProcessing) && job.UpdatedAt.Before(cutoff) {
			res = append(res, job)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListImageJobsByDoc(_ context.Context, docID string) ([]domain.ImageJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.ImageJob
	for _, job := range m.imageJobs {
		if job.DocID == docID {
			res = append(res, job)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) CreateOrGetPendingAutotag(_ context.Context, docID, llmModel string) (domain.AutotagTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.autotags {
		if task.DocID == docID && (task.Status == domain.StatusEnqueued || task.Status == domain.StatusProcessing) {
			return task, false, nil
		}
	}
	now := time.Now().UTC()
	task := domain.AutotagTask{
		ID:        uuid.NewString(),
		DocID:     docID,
		Status:    domain.StatusEnqueued,
		LLMModel:  llmModel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.autotags[task.ID] = task
	return task, true, nil
}

func (m *MemoryStore) ClaimAutotagTask(_ context.Context, taskID string) (domain.AutotagTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.autotags[taskID]
	if !ok || (task.Status != domain.StatusEnqueued && task.Status != domain.StatusProcessing) {
		return domain.AutotagTask{}, false, nil
	}
	task.Status = domain.StatusProcessing
	task.Attempts++
	task.UpdatedAt = time.Now().UTC()
	m.autotags[taskID] = task
	return task, true, nil
}

func (m *MemoryStore) MarkAutotagDone(_ context.Context, taskID string, result map[string]any) error {
	return m.updateAutotag(taskID, func(task *domain.AutotagTask) {
		now := time.Now().UTC()
		task.Status = domain.StatusDone
		task.ResultJSON = result
		task.LastError = ""
		task.ProcessedAt = &now
	})
}

func (m *MemoryStore) MarkAutotagFailed(_ context.Context, taskID, reason string) error {
	return m.updateAutotag(taskID, func(task *domain.AutotagTask) {
		now := time.Now().UTC()
		task.Status = domain.StatusFailed
		task.LastError = reason
		task.ProcessedAt = &now
	})
}

func (m *MemoryStore) SetAutotagError(_ context.Context, taskID, errMsg string) error {
	return m.updateAutotag(taskID, func(task *domain.AutotagTask) {
		task.LastError = errMsg
	})
}

func (m *MemoryStore) updateAutotag(taskID string, apply func(*domain.AutotagTask)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.autotags[taskID]
	if !ok {
		return fmt.Errorf("autotag task %s: %w", taskID, ErrNotFound)
	}
	apply(&task)
	task.UpdatedAt = time.Now().UTC()
	m.autotags[taskID] = task
	return nil
}

func (m *MemoryStore) FindStalledAutotagTasks(_ context.Context, olderThan time.Duration) ([]domain.AutotagTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var res []domain.AutotagTask
	for _, task := range m.autotags {
		if (task.Status == domain.StatusEnqueued || task.Status == domain.StatusProcessing) && task.UpdatedAt.Before(cutoff) {
			res = append(res, task)
		}
	}
	return res, nil
}
