package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sensorydata/internal/util"
	"sensorydata/pkg/domain"
	"sensorydata/pkg/storage"
	"sensorydata/pkg/store"
	"sensorydata/services/data/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the data service. This is a service
// boundary for trusted internal callers (parser, workers); it carries no
// user auth of its own.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 100 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("data", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/documents", s.handleDocuments)
	s.mux.HandleFunc("/documents/", s.handleDocumentByID)
	s.mux.HandleFunc("/stored-files", s.handleStoredFiles)
	s.mux.HandleFunc("/image-jobs/", s.handleImageJob)
	s.mux.HandleFunc("/autotag-tasks/", s.handleAutotagTask)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.handleUpload(w, r)
}

// /documents/{id}[/file|/download|/sync|/lines|/lines/content|/lines/copy|
// /text|/images|/image-jobs|/autotag]
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleDocument(w, r, id)
	case "file":
		s.handleFile(w, r, id)
	case "download":
		s.handleDownload(w, r, id)
	case "sync":
		s.handleSync(w, r, id)
	case "lines":
		s.handleLines(w, r, id)
	case "lines/content":
		s.handleLineContent(w, r, id)
	case "lines/copy":
		s.handleCopyLines(w, r, id)
	case "text":
		s.handleTextContents(w, r, id)
	case "images":
		s.handleUploadImage(w, r, id)
	case "image-jobs":
		s.handleListImageJobs(w, r, id)
	case "autotag":
		s.handleAutotag(w, r, id)
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}

	create := domain.DocumentCreate{
		UserDocumentID: r.FormValue("userDocumentId"),
		Name:           r.FormValue("name"),
		OwnerID:        r.FormValue("ownerId"),
		AccessGroupID:  r.FormValue("accessGroupId"),
		DocType:        parseDocType(r.FormValue("docType")),
		IsPublic:       r.FormValue("isPublic") == "true",
	}
	if create.UserDocumentID == "" || create.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "userDocumentId and ownerId are required")
		return
	}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &create.Metadata); err != nil {
			writeError(w, http.StatusBadRequest, "metadata must be a JSON object")
			return
		}
	}

	doc, err := s.app.Upload(r.Context(), create, header.Filename, content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		doc, ok, err := s.app.GetDocument(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !ok {
			notFound(w, "document not found")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPatch:
		var patch map[string]any
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		doc, ok, err := s.app.UpdateDocument(r.Context(), id, patch)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !ok {
			notFound(w, "document not found")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodDelete:
		if err := s.app.Delete(r.Context(), id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	data, doc, err := s.app.GetFile(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.PresignDownload(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ok, err := s.app.SetSyncEnabled(r.Context(), id, req.Enabled)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !ok {
		notFound(w, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Lines []domain.LineInput `json:"lines"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		n, err := s.app.ImportLines(r.Context(), id, req.Lines)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"imported": n})
	case http.MethodGet:
		lines, err := s.app.GetJoinedLines(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": lines, "count": len(lines)})
	case http.MethodDelete:
		n, err := s.app.ClearLines(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": n})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLineContent(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req struct {
		BlockID string `json:"blockId"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil || req.BlockID == "" {
		writeError(w, http.StatusBadRequest, "blockId is required")
		return
	}
	ok, err := s.app.UpdateContent(r.Context(), id, req.BlockID, req.Content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": ok})
}

func (s *Server) handleCopyLines(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		TargetDocID string `json:"targetDocId"`
	}
	if err := decodeBody(r, &req); err != nil || req.TargetDocID == "" {
		writeError(w, http.StatusBadRequest, "targetDocId is required")
		return
	}
	n, err := s.app.CopyLines(r.Context(), id, req.TargetDocID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"copied": n})
}

func (s *Server) handleTextContents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	texts, err := s.app.GetTextContents(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": texts, "count": len(texts)})
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	key, err := s.app.PutImage(r.Context(), id, header.Filename, content)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"objectPath": key})
}

func (s *Server) handleListImageJobs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	jobs, err := s.app.ListImageJobs(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "count": len(jobs)})
}

func (s *Server) handleAutotag(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		LLMModel string `json:"llmModel"`
	}
	_ = decodeBody(r, &req)
	task, err := s.app.EnqueueAutotag(r.Context(), id, req.LLMModel)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// /image-jobs/{lineId}/claim|done|fail|retry
func (s *Server) handleImageJob(w http.ResponseWriter, r *http.Request) {
	lineID, action, ok := splitJobPath(r.URL.Path, "/image-jobs/")
	if !ok {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch action {
	case "claim":
		job, won, err := s.app.ClaimImageJob(r.Context(), lineID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !won {
			writeJSON(w, http.StatusConflict, map[string]bool{"claimed": false})
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "done":
		var req struct {
			ResultText string `json:"resultText"`
			LLMModel   string `json:"llmModel"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.CompleteImageJob(r.Context(), lineID, req.ResultText, req.LLMModel); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
	case "fail":
		var req struct {
			Error string `json:"error"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.FailImageJob(r.Context(), lineID, req.Error); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
	case "retry":
		var req struct {
			Error string `json:"error"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.RetryImageJob(r.Context(), lineID, req.Error); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "enqueued"})
	default:
		notFound(w, "not found")
	}
}

// /autotag-tasks/{id}/claim|done|fail|error
func (s *Server) handleAutotagTask(w http.ResponseWriter, r *http.Request) {
	taskID, action, ok := splitJobPath(r.URL.Path, "/autotag-tasks/")
	if !ok {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch action {
	case "claim":
		task, won, err := s.app.ClaimAutotagTask(r.Context(), taskID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if !won {
			writeJSON(w, http.StatusConflict, map[string]bool{"claimed": false})
			return
		}
		writeJSON(w, http.StatusOK, task)
	case "done":
		var req struct {
			Result map[string]any `json:"result"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.CompleteAutotag(r.Context(), taskID, req.Result); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
	case "fail":
		var req struct {
			Error string `json:"error"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.FailAutotag(r.Context(), taskID, req.Error); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
	case "error":
		var req struct {
			Error string `json:"error"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := s.app.RecordAutotagError(r.Context(), taskID, req.Error); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleStoredFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	files, err := s.app.ListStoredFiles(r.Context(), limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": files, "count": len(files)})
}

func splitJobPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func parseDocType(v string) domain.DocType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(domain.DocTypeAudio):
		return domain.DocTypeAudio
	case string(domain.DocTypeVideo):
		return domain.DocTypeVideo
	default:
		return domain.DocTypeGeneric
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps the error taxonomy to HTTP statuses: missing rows to
// 404, unique-key and re-import conflicts to 409, blob backend failures to
// 502, everything else to 500.
func writeAppError(w http.ResponseWriter, err error) {
	var serr *storage.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &serr):
		writeError(w, http.StatusBadGateway, "blob storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func errorCodeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "DATA_INVALID_REQUEST"
	case http.StatusNotFound:
		return "DATA_NOT_FOUND"
	case http.StatusConflict:
		return "DATA_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusBadGateway:
		return "DATA_STORAGE_UNAVAILABLE"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
