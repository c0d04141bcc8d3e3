package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaveamark.com/rag-server/internal/blob"
	"leaveamark.com/rag-server/internal/core"
	"leaveamark.com/rag-server/internal/logger"
	"leaveamark.com/rag-server/internal/store"
)

type fakeDocuments struct {
	docs     map[string]*store.Document
	blobs    map[string][]byte
	uploaded []core.Upload
	failList error
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{docs: map[string]*store.Document{}, blobs: map[string][]byte{}}
}

func (f *fakeDocuments) add(doc *store.Document, data []byte) {
	f.docs[doc.ID] = doc
	if data != nil {
		f.blobs[doc.ID] = data
	}
}

func (f *fakeDocuments) IngestAsync(_ context.Context, up core.Upload) (*store.Document, error) {
	f.uploaded = append(f.uploaded, up)
	doc := &store.Document{
		ID:           fmt.Sprintf("doc-%d", len(f.uploaded)),
		Filename:     up.Filename,
		OriginalName: up.Filename,
		MimeType:     up.MimeType,
		Size:         int64(len(up.Data)),
		Status:       store.StatusProcessing,
		UploadedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	f.add(doc, up.Data)
	return doc, nil
}

func (f *fakeDocuments) List(context.Context) ([]store.Document, error) {
	if f.failList != nil {
		return nil, f.failList
	}
	out := []store.Document{}
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDocuments) Get(_ context.Context, id string) (*store.Document, error) {
	doc, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

func (f *fakeDocuments) Delete(_ context.Context, id string) error {
	if _, ok := f.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	delete(f.docs, id)
	delete(f.blobs, id)
	return nil
}

func (f *fakeDocuments) Original(ctx context.Context, id string) (*store.Document, []byte, error) {
	doc, err := f.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, ok := f.blobs[id]
	if !ok {
		return doc, nil, blob.ErrNotFound
	}
	return doc, data, nil
}

type fakeChat struct {
	events  []core.Event
	query   string
	history []core.ChatMessage
}

func (f *fakeChat) Stream(_ context.Context, query string, history []core.ChatMessage, emit func(core.Event) error) error {
	f.query = query
	f.history = history
	for _, e := range f.events {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

type fakeSeeder struct {
	res core.SeedResult
	err error
}

func (f *fakeSeeder) Seed(context.Context) (core.SeedResult, error) {
	return f.res, f.err
}

type testServer struct {
	handler   http.Handler
	documents *fakeDocuments
	chat      *fakeChat
	seeder    *fakeSeeder
}

func newTestServer(maxUpload int64) *testServer {
	ts := &testServer{documents: newFakeDocuments(), chat: &fakeChat{}, seeder: &fakeSeeder{}}
	h := NewAPIHandler(ts.documents, ts.chat, ts.seeder, maxUpload, logger.NewNop())
	ts.handler = NewRouter(h)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if contentType == "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	} else {
		hdr := make(map[string][]string)
		hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename)}
		hdr["Content-Type"] = []string{contentType}
		fw, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body["error"]
}

func TestHealth(t *testing.T) {
	rr := newTestServer(0).do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestUploadDocument(t *testing.T) {
	ts := newTestServer(1 << 20)
	body, ct := multipartBody(t, "file", "guide.md", "", []byte("# Guide\n\nUse big type."))

	req := httptest.NewRequest(http.MethodPost, "/api/rag/documents", body)
	req.Header.Set("Content-Type", ct)
	rr := ts.do(req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var doc store.Document
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, store.StatusProcessing, doc.Status)
	assert.Equal(t, "guide.md", doc.OriginalName)
	assert.Contains(t, rr.Body.String(), `"originalName":"guide.md"`)

	require.Len(t, ts.documents.uploaded, 1)
	assert.Equal(t, "text/markdown", ts.documents.uploaded[0].MimeType)
	assert.Equal(t, "# Guide\n\nUse big type.", string(ts.documents.uploaded[0].Data))
}

func TestUploadDocument_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		filename    string
		contentType string
		size        int
		wantStatus  int
	}{
		{"unsupported type", "file", "photo.png", "image/png", 10, http.StatusBadRequest},
		{"missing file field", "attachment", "notes.txt", "", 10, http.StatusBadRequest},
		{"too large", "file", "big.txt", "text/plain", 4096, http.StatusRequestEntityTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(1024)
			body, ct := multipartBody(t, tc.field, tc.filename, tc.contentType, bytes.Repeat([]byte("a"), tc.size))

			req := httptest.NewRequest(http.MethodPost, "/api/rag/documents", body)
			req.Header.Set("Content-Type", ct)
			rr := ts.do(req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.NotEmpty(t, decodeError(t, rr))
			assert.Empty(t, ts.documents.uploaded)
		})
	}
}

func TestListDocuments(t *testing.T) {
	ts := newTestServer(0)
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	ts.documents.failList = errors.New("db gone")
	rr = ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Failed to list documents", decodeError(t, rr))
}

func TestGetDocument(t *testing.T) {
	ts := newTestServer(0)
	ts.documents.add(&store.Document{ID: "d1", OriginalName: "deck.pptx", Status: store.StatusReady, ChunkCount: 4}, nil)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/d1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"chunkCount":4`)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Document not found", decodeError(t, rr))
}

func TestDownloadDocument(t *testing.T) {
	ts := newTestServer(0)
	ts.documents.add(&store.Document{ID: "d1", OriginalName: "brand book.pdf", MimeType: "application/pdf"}, []byte("%PDF-1.7"))
	ts.documents.add(&store.Document{ID: "d2", OriginalName: "lost.txt", MimeType: "text/plain"}, nil)

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/d1/download", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="brand book.pdf"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.7", rr.Body.String())

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/d2/download", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/nope/download", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteDocument(t *testing.T) {
	ts := newTestServer(0)
	ts.documents.add(&store.Document{ID: "d1"}, nil)

	rr := ts.do(httptest.NewRequest(http.MethodDelete, "/api/rag/documents/d1", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true}`, rr.Body.String())

	rr = ts.do(httptest.NewRequest(http.MethodDelete, "/api/rag/documents/d1", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestChat_StreamsEvents(t *testing.T) {
	ts := newTestServer(0)
	ts.chat.events = []core.Event{
		{Type: core.EventSources, Data: `[]`},
		{Type: core.EventToken, Data: "Line one\nLine two"},
		{Type: core.EventDone},
	}

	body := `{"message":"What fonts?","history":[{"role":"user","content":"hi"}]}`
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/chat", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rr.Header().Get("Cache-Control"))
	assert.True(t, rr.Flushed)

	want := "event: sources\ndata: []\n\n" +
		"event: token\ndata: Line one\ndata: Line two\n\n" +
		"event: done\ndata: \n\n"
	assert.Equal(t, want, rr.Body.String())

	assert.Equal(t, "What fonts?", ts.chat.query)
	require.Len(t, ts.chat.history, 1)
	assert.Equal(t, "user", ts.chat.history[0].Role)
}

func TestChat_CarriageReturnsSplitDataLines(t *testing.T) {
	ts := newTestServer(0)
	ts.chat.events = []core.Event{
		{Type: core.EventToken, Data: "a\r\nb\rc\nd"},
		{Type: core.EventDone},
	}

	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/chat", strings.NewReader(`{"message":"q"}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	want := "event: token\ndata: a\ndata: b\ndata: c\ndata: d\n\n" +
		"event: done\ndata: \n\n"
	assert.Equal(t, want, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "\r")
}

func TestChat_HistoryKeepsSources(t *testing.T) {
	ts := newTestServer(0)
	ts.chat.events = []core.Event{{Type: core.EventDone}}

	body := `{"message":"And the fonts?","history":[
		{"role":"user","content":"What colors?"},
		{"role":"assistant","content":"Navy and coral.","sources":[
			{"content":"Palette: navy, coral.","documentId":"doc-1","filename":"brand.md","score":0.91}
		]}
	]}`
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/chat", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, ts.chat.history, 2)
	assert.Empty(t, ts.chat.history[0].Sources)
	require.Len(t, ts.chat.history[1].Sources, 1)
	src := ts.chat.history[1].Sources[0]
	assert.Equal(t, "doc-1", src.DocumentID)
	assert.Equal(t, "brand.md", src.Filename)
	assert.InDelta(t, 0.91, src.Score, 1e-9)

	out, err := json.Marshal(ts.chat.history)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"role":"user","content":"What colors?"},
		{"role":"assistant","content":"Navy and coral.","sources":[
			{"content":"Palette: navy, coral.","documentId":"doc-1","filename":"brand.md","score":0.91}
		]}
	]`, string(out))
}

func TestChat_RejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(0)
	for _, body := range []string{`{"message":"   "}`, `{}`, `not json`} {
		rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/chat", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestSeed(t *testing.T) {
	ts := newTestServer(0)
	ts.seeder.res = core.SeedResult{Seeded: true, Documents: 3}

	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/seed", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"seeded":true,"documents":3}`, rr.Body.String())

	ts.seeder.err = core.ErrSeedInProgress
	rr = ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/seed", nil))
	assert.Equal(t, http.StatusConflict, rr.Code)

	ts.seeder.err = errors.New("boom")
	rr = ts.do(httptest.NewRequest(http.MethodPost, "/api/rag/seed", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestStripSlashes(t *testing.T) {
	rr := newTestServer(0).do(httptest.NewRequest(http.MethodGet, "/api/rag/documents/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
