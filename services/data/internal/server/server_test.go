package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sensorydata/pkg/domain"
	"sensorydata/pkg/notify"
	"sensorydata/pkg/store"
	"sensorydata/services/data/internal/app"
)

type stubObjects struct {
	objects map[string][]byte
}

func (s *stubObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.objects[key] = data
	return nil
}

func (s *stubObjects) Get(_ context.Context, key string) ([]byte, error) {
	return s.objects[key], nil
}

func (s *stubObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example.test/" + key, nil
}

func (s *stubObjects) Delete(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	a, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Objects:  &stubObjects{objects: make(map[string][]byte)},
		Notifier: notify.NewMemoryNotifier(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return New(Config{App: a})
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func uploadDocument(t *testing.T, srv *Server, userDocID string, content []byte) domain.Document {
	t.Helper()
	body, contentType := multipartUpload(t, map[string]string{
		"userDocumentId": userDocID,
		"ownerId":        "owner-1",
	}, "report.pdf", content)
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var doc domain.Document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return doc
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUploadAndFetchDocument(t *testing.T) {
	srv := newTestServer(t)
	doc := uploadDocument(t, srv, "u1", []byte("hello"))
	if doc.Extension != "pdf" || doc.ContentHash == "" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/download", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "blobs.example.test") {
		t.Fatalf("download status = %d body %s", rec.Code, rec.Body.String())
	}
}

func TestUploadRequiresIdentityFields(t *testing.T) {
	srv := newTestServer(t)
	body, contentType := multipartUpload(t, nil, "a.txt", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestImportLinesConflictMapsTo409(t *testing.T) {
	srv := newTestServer(t)
	doc := uploadDocument(t, srv, "u1", []byte("content"))

	payload := `{"lines":[{"position":0,"content":"a"}]}`
	req := httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/lines", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first import status = %d body %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/lines", strings.NewReader(payload))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second import status = %d, want 409", rec.Code)
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Code != "DATA_CONFLICT" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}
}

func TestClaimEndpointLosesWith409(t *testing.T) {
	srv := newTestServer(t)
	doc := uploadDocument(t, srv, "u1", []byte("content"))

	payload := `{"lines":[{"position":0,"blockType":"image","imageHash":"h1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/documents/"+doc.ID+"/lines", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("import status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/image-jobs", nil))
	var list struct {
		Items []domain.ImageJob `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list jobs: %s", rec.Body.String())
	}
	lineID := list.Items[0].LineID

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/image-jobs/"+lineID+"/claim", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first claim status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/image-jobs/"+lineID+"/claim", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("second claim status = %d, want 409", rec.Code)
	}
}

func TestDeleteDocumentEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doc := uploadDocument(t, srv, "u1", []byte("bytes"))

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/documents/"+doc.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}
