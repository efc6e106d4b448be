package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"sensorydata/pkg/domain"
)

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

func newTestDoc(t *testing.T, s *MemoryStore, hash string) domain.Document {
	t.Helper()
	ctx := context.Background()
	doc, _, err := s.CreateDocumentWithStoredFile(ctx,
		domain.Document{
			UserDocumentID: "user-doc-" + hash,
			Name:           "report.pdf",
			OwnerID:        "owner-1",
			DocType:        domain.DocTypeGeneric,
		},
		domain.StoredFile{
			ContentHash: hash,
			ObjectPath:  "pdf/" + hash + "/raw/report.pdf",
			SizeBytes:   1024,
			Extension:   "pdf",
		})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func TestCreateDocumentWithStoredFileDedupesByHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := newTestDoc(t, s, "aaa111")

	doc2, sf2, err := s.CreateDocumentWithStoredFile(ctx,
		domain.Document{UserDocumentID: "other", Name: "copy.pdf", OwnerID: "owner-2", DocType: domain.DocTypeGeneric},
		domain.StoredFile{ContentHash: "aaa111", ObjectPath: "pdf/other/raw/copy.pdf", Extension: "pdf"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if sf2.ObjectPath != "pdf/aaa111/raw/report.pdf" {
		t.Fatalf("expected winner's object path, got %q", sf2.ObjectPath)
	}
	if doc2.StoredFileID != first.StoredFileID {
		t.Fatalf("documents with same hash should share a stored file")
	}

	if orphan, _ := s.IsStoredFileOrphan(ctx, first.StoredFileID); orphan {
		t.Fatalf("stored file with two documents must not be orphan")
	}

	if ok, _ := s.DeleteDocument(ctx, first.ID); !ok {
		t.Fatalf("delete first document")
	}
	if orphan, _ := s.IsStoredFileOrphan(ctx, first.StoredFileID); orphan {
		t.Fatalf("one document still references the stored file")
	}
	if ok, _ := s.DeleteDocument(ctx, doc2.ID); !ok {
		t.Fatalf("delete second document")
	}
	if orphan, _ := s.IsStoredFileOrphan(ctx, first.StoredFileID); !orphan {
		t.Fatalf("stored file should be orphan after both documents deleted")
	}
}

func TestCreateDocumentRejectsDuplicateOwnerUserDocID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newTestDoc(t, s, "bbb222")

	_, _, err := s.CreateDocumentWithStoredFile(ctx,
		domain.Document{UserDocumentID: "user-doc-bbb222", OwnerID: "owner-1", DocType: domain.DocTypeGeneric},
		domain.StoredFile{ContentHash: "ccc333", ObjectPath: "pdf/x/raw/x.pdf", Extension: "pdf"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate (owner, user_document_id), got %v", err)
	}
}

func TestImportLinesReturnsPendingImageJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "ddd444")

	jobs, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, Content: "intro text"},
		{Position: 1, BlockType: "image", ImageHash: "img-a"},
		{Position: 2, BlockType: "figure", ImageHash: "img-b", Filename: "fig.png"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 pending image jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != domain.StatusPending {
			t.Fatalf("returned job %s has status %s", j.ImageHash, j.Status)
		}
	}
	if jobs[0].ObjectKey == "" || jobs[0].ObjectKey[:4] != "pdf/" {
		t.Fatalf("object key should start with the document extension, got %q", jobs[0].ObjectKey)
	}
}

func TestImportLinesConflictsWhenLinesExist(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "eee555")

	if _, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{{Position: 0, Content: "x"}}); err != nil {
		t.Fatalf("first import: %v", err)
	}
	_, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{{Position: 0, Content: "y"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on re-import without clear, got %v", err)
	}
}

func TestClearAndReimportPreservesDoneCaption(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "fff666")

	jobs, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "keep-me"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := s.MarkImageJobDone(ctx, jobs[0].LineID, "a red square", "caption-v1"); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	removed, err := s.ClearLines(ctx, doc.ID)
	if err != nil || removed != 1 {
		t.Fatalf("clear lines: removed=%d err=%v", removed, err)
	}

	jobs, err = s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "keep-me"},
	})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("done caption must not be re-emitted as pending, got %d jobs", len(jobs))
	}

	all, err := s.ListImageJobsByDoc(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(all) != 1 || all[0].Status != domain.StatusDone || all[0].ResultText != "a red square" {
		t.Fatalf("caption should survive clear and re-import, got %+v", all)
	}

	joined, err := s.GetJoinedLines(ctx, doc.ID)
	if err != nil {
		t.Fatalf("joined lines: %v", err)
	}
	if len(joined) != 1 || joined[0].ImageText == nil || *joined[0].ImageText != "a red square" {
		t.Fatalf("re-imported line should join the surviving caption, got %+v", joined)
	}
}

func TestReimportResetsFailedToPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "aab777")

	jobs, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "retry-me"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := s.MarkImageJobFailed(ctx, jobs[0].LineID, "llm timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := s.ClearLines(ctx, doc.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	jobs, err = s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "retry-me"},
	})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != domain.StatusPending {
		t.Fatalf("failed caption should reset to pending on re-import, got %+v", jobs)
	}
}

func TestClaimImageJobTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "abc888")

	jobs, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "claimable"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	lineID := jobs[0].LineID

	job, ok, err := s.ClaimImageJob(ctx, lineID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.StatusProcessing || job.Attempts != 1 {
		t.Fatalf("claimed job should be processing with 1 attempt, got %+v", job)
	}

	if _, ok, _ := s.ClaimImageJob(ctx, lineID); ok {
		t.Fatalf("second claim on processing job must lose")
	}

	if err := s.MarkImageJobForRetry(ctx, lineID, "worker died"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	job, ok, err = s.ClaimImageJob(ctx, lineID)
	if err != nil || !ok {
		t.Fatalf("re-claim after retry: ok=%v err=%v", ok, err)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts should increment on each claim, got %d", job.Attempts)
	}

	if err := s.MarkImageJobDone(ctx, lineID, "caption", ""); err != nil {
		t.Fatalf("done: %v", err)
	}
	if _, ok, _ := s.ClaimImageJob(ctx, lineID); ok {
		t.Fatalf("done job must not be claimable")
	}
}

func TestUpdateContentSyncsImageRow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "abd999")

	if _, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "synced", BlockID: "blk-1"},
		{Position: 1, Content: "plain", BlockID: "blk-2"},
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	ok, err := s.UpdateContent(ctx, doc.ID, "blk-1", "a corrected caption")
	if err != nil || !ok {
		t.Fatalf("update content: ok=%v err=%v", ok, err)
	}

	jobsAfter, _ := s.ListImageJobsByDoc(ctx, doc.ID)
	if len(jobsAfter) != 1 || jobsAfter[0].Status != domain.StatusDone || jobsAfter[0].ResultText != "a corrected caption" {
		t.Fatalf("image row should be marked done with new text, got %+v", jobsAfter)
	}

	joined, _ := s.GetJoinedLines(ctx, doc.ID)
	if joined[0].Content != "a corrected caption" {
		t.Fatalf("line content not updated: %q", joined[0].Content)
	}

	ok, err = s.UpdateContent(ctx, doc.ID, "missing-block", "x")
	if err != nil || ok {
		t.Fatalf("unknown block id should report no match, ok=%v err=%v", ok, err)
	}
}

func TestCopyLinesPreservesPositionsAndStatuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	src := newTestDoc(t, s, "src111")
	dst := newTestDoc(t, s, "dst222")

	jobs, err := s.ImportLines(ctx, src.ID, src.DocType, []domain.LineInput{
		{Position: 0, Content: "first"},
		{Position: 5, BlockType: "image", ImageHash: "carried"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := s.MarkImageJobDone(ctx, jobs[0].LineID, "done text", ""); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	n, err := s.CopyLines(ctx, src.ID, dst.ID)
	if err != nil || n != 2 {
		t.Fatalf("copy: n=%d err=%v", n, err)
	}

	joined, _ := s.GetJoinedLines(ctx, dst.ID)
	if len(joined) != 2 || joined[0].Position != 0 || joined[1].Position != 5 {
		t.Fatalf("positions must be preserved, got %+v", joined)
	}
	if joined[1].ImageStatus == nil || *joined[1].ImageStatus != string(domain.StatusDone) {
		t.Fatalf("copied image status should stay done, got %+v", joined[1])
	}

	if _, err := s.CopyLines(ctx, src.ID, dst.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("copying onto a populated document should conflict, got %v", err)
	}
}

func TestCopyLinesConflictsOnSurvivingCaption(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	src := newTestDoc(t, s, "src333")
	dst := newTestDoc(t, s, "dst444")

	if _, err := s.ImportLines(ctx, src.ID, src.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "shared-fig"},
	}); err != nil {
		t.Fatalf("import source: %v", err)
	}
	// The target's caption row outlives the line clear, so the copy collides
	// on (doc, image hash) even though the target has no lines.
	if _, err := s.ImportLines(ctx, dst.ID, dst.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "shared-fig"},
	}); err != nil {
		t.Fatalf("import target: %v", err)
	}
	if _, err := s.ClearLines(ctx, dst.ID); err != nil {
		t.Fatalf("clear target: %v", err)
	}

	if _, err := s.CopyLines(ctx, src.ID, dst.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on surviving caption row, got %v", err)
	}
	joined, _ := s.GetJoinedLines(ctx, dst.ID)
	if len(joined) != 0 {
		t.Fatalf("failed copy must leave the target without lines, got %d", len(joined))
	}
}

func TestGetTextContentsSkipsImagesAndBlanks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "txt333")

	if _, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, Content: "  keep me  "},
		{Position: 1, BlockType: "image", ImageHash: "skip", Content: "![x](skip.png)"},
		{Position: 2, BlockType: "image_placeholder", Content: "placeholder"},
		{Position: 3, Content: "   "},
		{Position: 4, BlockType: "heading", Content: "also kept"},
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	texts, err := s.GetTextContents(ctx, doc.ID)
	if err != nil {
		t.Fatalf("text contents: %v", err)
	}
	if len(texts) != 2 || texts[0] != "keep me" || texts[1] != "also kept" {
		t.Fatalf("unexpected text contents: %v", texts)
	}
}

func TestAudioDetailsJoined(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc, _, err := s.CreateDocumentWithStoredFile(ctx,
		domain.Document{UserDocumentID: "aud", OwnerID: "o", DocType: domain.DocTypeAudio},
		domain.StoredFile{ContentHash: "aud444", ObjectPath: "mp3/aud444/raw/a.mp3", Extension: "mp3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	start, end := 1.0, 3.5
	if _, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "audio_sentence", Content: "hello there", StartTS: &start, EndTS: &end, SpeakerLabel: "spk_0", Tasks: []string{"transcribe", "diarize"}},
	}); err != nil {
		t.Fatalf("import: %v", err)
	}

	joined, _ := s.GetJoinedLines(ctx, doc.ID)
	if len(joined) != 1 || joined[0].StartTS == nil || *joined[0].StartTS != 1.0 {
		t.Fatalf("missing audio detail: %+v", joined)
	}
	if joined[0].Duration == nil || *joined[0].Duration != 2.5 {
		t.Fatalf("duration should derive from end-start, got %+v", joined[0].Duration)
	}
	if len(joined[0].Tasks) != 2 || joined[0].Tasks[0] != "transcribe" {
		t.Fatalf("tasks should round-trip through the joined view, got %v", joined[0].Tasks)
	}
}

func TestAutotagSingleActiveTaskPerDoc(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "tag555")

	task1, created, err := s.CreateOrGetPendingAutotag(ctx, doc.ID, "tagger-v1")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	task2, created, err := s.CreateOrGetPendingAutotag(ctx, doc.ID, "tagger-v1")
	if err != nil || created {
		t.Fatalf("second create should return existing, created=%v err=%v", created, err)
	}
	if task1.ID != task2.ID {
		t.Fatalf("expected same active task, got %s and %s", task1.ID, task2.ID)
	}

	claimed, ok, err := s.ClaimAutotagTask(ctx, task1.ID)
	if err != nil || !ok || claimed.Status != domain.StatusProcessing {
		t.Fatalf("claim: ok=%v err=%v task=%+v", ok, err, claimed)
	}
	// Re-claim of a processing task is allowed so restarted workers can resume.
	if _, ok, _ := s.ClaimAutotagTask(ctx, task1.ID); !ok {
		t.Fatalf("processing autotag task should be re-claimable")
	}

	if err := s.MarkAutotagDone(ctx, task1.ID, map[string]any{"tags": []string{"finance"}}); err != nil {
		t.Fatalf("done: %v", err)
	}
	if _, ok, _ := s.ClaimAutotagTask(ctx, task1.ID); ok {
		t.Fatalf("done task must not be claimable")
	}

	_, created, err = s.CreateOrGetPendingAutotag(ctx, doc.ID, "tagger-v1")
	if err != nil || !created {
		t.Fatalf("after completion a new task should be created, created=%v err=%v", created, err)
	}
}

func TestFindStalledJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "stale66")

	jobs, err := s.ImportLines(ctx, doc.ID, doc.DocType, []domain.LineInput{
		{Position: 0, BlockType: "image", ImageHash: "old"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, ok, _ := s.ClaimImageJob(ctx, jobs[0].LineID); !ok {
		t.Fatalf("claim")
	}

	stalled, err := s.FindStalledImageJobs(ctx, time.Hour)
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatalf("fresh processing job is not stalled")
	}

	// Backdate the row to simulate a dead worker.
	key := imageKey(doc.ID, "old")
	s.mu.Lock()
	j := s.imageJobs[key]
	j.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	s.imageJobs[key] = j
	s.mu.Unlock()

	stalled, err = s.FindStalledImageJobs(ctx, time.Hour)
	if err != nil || len(stalled) != 1 {
		t.Fatalf("expected one stalled job, got %d err=%v", len(stalled), err)
	}
}

func TestUpdateDocumentAndSyncFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	doc := newTestDoc(t, s, "upd777")

	updated, ok, err := s.UpdateDocument(ctx, doc.ID, map[string]any{
		"name":      "renamed.pdf",
		"is_public": true,
	})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if updated.Name != "renamed.pdf" || !updated.IsPublic {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if !updated.Edited.After(doc.Edited) && !updated.Edited.Equal(doc.Edited) {
		t.Fatalf("edited timestamp should advance")
	}

	if ok, err := s.SetSyncEnabled(ctx, doc.ID, false); err != nil || !ok {
		t.Fatalf("set sync: ok=%v err=%v", ok, err)
	}
	got, _, _ := s.GetDocument(ctx, doc.ID)
	if got.IsSyncEnabled {
		t.Fatalf("sync flag should be disabled")
	}

	if ok, _ := s.SetSyncEnabled(ctx, "missing", true); ok {
		t.Fatalf("unknown document should report not found")
	}
}
