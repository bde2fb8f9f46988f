package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdf-assistant-go/internal/index"
	"pdf-assistant-go/internal/metrics"
	"pdf-assistant-go/internal/model"
	"pdf-assistant-go/internal/service"
	"pdf-assistant-go/pkg/errs"
	"pdf-assistant-go/pkg/llm"
)

type fakeUploads struct {
	res      *service.UploadResult
	err      error
	gotName  string
	gotBytes int
}

func (f *fakeUploads) Upload(ctx context.Context, filename string, data []byte) (*service.UploadResult, error) {
	f.gotName, f.gotBytes = filename, len(data)
	return f.res, f.err
}

type fakeDocuments struct {
	docs    map[string]*model.Document
	deleted []string
}

func (f *fakeDocuments) Get(ctx context.Context, id string) (*model.Document, error) {
	if d, ok := f.docs[id]; ok {
		return d, nil
	}
	return nil, errs.ErrDocumentNotFound
}

func (f *fakeDocuments) List(ctx context.Context) ([]model.Document, error) {
	out := []model.Document{}
	for _, d := range f.docs {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDocuments) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSummaries struct{}

func (fakeSummaries) Summarize(ctx context.Context, id string) (string, error) {
	if id != "doc-1" {
		return "", errs.ErrDocumentNotFound
	}
	return "A short summary.", nil
}

type fakeQueries struct {
	res    *model.QueryResult
	err    error
	deltas []string
	block  bool
}

func (f *fakeQueries) Query(ctx context.Context, req model.QueryRequest) (*model.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.res
	r.Query = req.Query
	return &r, nil
}

func (f *fakeQueries) QueryStream(ctx context.Context, req model.QueryRequest, w llm.MessageWriter) (*model.QueryResult, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, d := range f.deltas {
		if err := w.WriteMessage(websocket.TextMessage, []byte(d)); err != nil {
			return nil, err
		}
	}
	return f.res, f.err
}

type env struct {
	router  *gin.Engine
	uploads *fakeUploads
	docs    *fakeDocuments
	queries *fakeQueries
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store, err := index.Open(filepath.Join(t.TempDir(), "index.db"), index.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{
		uploads: &fakeUploads{},
		docs: &fakeDocuments{docs: map[string]*model.Document{
			"doc-1": {ID: "doc-1", Filename: "report.pdf", ChunkCount: 3},
		}},
		queries: &fakeQueries{res: &model.QueryResult{
			Answer: "The answer.",
			Chunks: []model.ScoredChunk{
				{Chunk: model.Chunk{DocumentID: "doc-1", ChunkIndex: 2, Page: 4}, Score: 0.9},
			},
			WebSources:    []model.WebSnippet{{Title: "Site", URL: "https://example.com"}},
			UsedWebSearch: true,
		}},
	}
	e.router = NewRouter(Deps{
		Uploads:        e.uploads,
		Documents:      e.docs,
		Summaries:      fakeSummaries{},
		Queries:        e.queries,
		Index:          store,
		Metrics:        metrics.New(),
		MaxUploadBytes: 1 << 20,
	})
	return e
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func multipartUpload(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload_Success(t *testing.T) {
	e := newEnv(t)
	e.uploads.res = &service.UploadResult{
		DocumentID: "doc-9",
		Filename:   "paper.pdf",
		Document:   &model.Document{ID: "doc-9", ChunkCount: 12},
	}

	w := e.do(multipartUpload(t, "file", "paper.pdf", []byte("%PDF-1.4 body")))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "doc-9", body["document_id"])
	assert.Equal(t, "File processed successfully", body["message"])
	assert.Equal(t, "paper.pdf", body["filename"])
	assert.Equal(t, float64(12), body["chunks_processed"])
	assert.Equal(t, "paper.pdf", e.uploads.gotName)
	assert.Equal(t, len("%PDF-1.4 body"), e.uploads.gotBytes)
}

func TestUpload_Queued(t *testing.T) {
	e := newEnv(t)
	e.uploads.res = &service.UploadResult{DocumentID: "doc-9", Filename: "paper.pdf", Queued: true}

	w := e.do(multipartUpload(t, "file", "paper.pdf", []byte("%PDF-")))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["chunks_processed"])
}

func TestUpload_MissingFile(t *testing.T) {
	e := newEnv(t)
	w := e.do(multipartUpload(t, "other", "paper.pdf", []byte("%PDF-")))

	require.Equal(t, http.StatusBadRequest, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "invalid_request", errBody["kind"])
	assert.Equal(t, "no file selected", errBody["message"])
}

func TestUpload_ErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errs.ErrUnsupportedFileType, http.StatusUnsupportedMediaType},
		{errs.ErrFileTooLarge, http.StatusRequestEntityTooLarge},
		{errs.ErrUnreadablePDF, http.StatusUnprocessableEntity},
		{errs.ErrEmbeddingUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newEnv(t)
		e.uploads.err = tc.err
		w := e.do(multipartUpload(t, "file", "paper.pdf", []byte("%PDF-")))
		assert.Equal(t, tc.status, w.Code, "error %v", tc.err)
	}
}

func TestUpload_InternalErrorHidesCause(t *testing.T) {
	e := newEnv(t)
	e.uploads.err = errs.E(errs.KindInternal, "internal error", assert.AnError)

	w := e.do(multipartUpload(t, "file", "paper.pdf", []byte("%PDF-")))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestDocuments_GetListDelete(t *testing.T) {
	e := newEnv(t)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "report.pdf", decode(t, w)["filename"])

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "document_not_found", decode(t, w)["error"].(map[string]any)["kind"])

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = e.do(httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"doc-1"}, e.docs.deleted)
}

func TestDocuments_Summary(t *testing.T) {
	e := newEnv(t)

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/doc-1/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "A short summary.", body["summary"])
	assert.Equal(t, "doc-1", body["document_id"])

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/nope/summary", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuery(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"query":"what?","use_web_search":true}`))
	req.Header.Set("Content-Type", "application/json")

	w := e.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "The answer.", body["response"])
	assert.Equal(t, "what?", body["query"])
	assert.Equal(t, float64(1), body["retrieved_chunk_count"])
	assert.Equal(t, true, body["used_web_search"])

	sources := body["sources"].([]any)
	require.Len(t, sources, 2)
	doc := sources[0].(map[string]any)
	assert.Equal(t, "document", doc["type"])
	assert.Equal(t, float64(4), doc["page"])
	web := sources[1].(map[string]any)
	assert.Equal(t, "https://example.com", web["url"])
}

func TestQuery_BadBody(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")

	w := e.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuery_GenerationUnavailable(t *testing.T) {
	e := newEnv(t)
	e.queries.err = errs.ErrGenerationUnavailable
	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Type", "application/json")

	w := e.do(req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "generation_unavailable", decode(t, w)["error"].(map[string]any)["kind"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	w := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func dialChat(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestChat_StreamsChunksThenCompletion(t *testing.T) {
	e := newEnv(t)
	e.queries.deltas = []string{"Hel", "lo"}
	conn := dialChat(t, e)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"hi"}`)))

	assert.Equal(t, "Hel", readJSON(t, conn)["chunk"])
	assert.Equal(t, "lo", readJSON(t, conn)["chunk"])
	done := readJSON(t, conn)
	assert.Equal(t, "completion", done["type"])
	assert.Equal(t, "finished", done["status"])
	assert.Equal(t, float64(1), done["retrieved_chunk_count"])
}

func TestChat_PlainTextQuery(t *testing.T) {
	e := newEnv(t)
	e.queries.deltas = []string{"ok"}
	conn := dialChat(t, e)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("what is this?")))
	assert.Equal(t, "ok", readJSON(t, conn)["chunk"])
	assert.Equal(t, "completion", readJSON(t, conn)["type"])
}

func TestChat_Stop(t *testing.T) {
	e := newEnv(t)
	e.queries.block = true
	conn := dialChat(t, e)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"long"}`)))
	// 确保查询已开始
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		msg := readJSON(t, conn)
		status, _ := msg["status"].(string)
		got[msg["type"].(string)] = status
	}
	assert.Contains(t, got, "stop")
	assert.Equal(t, "stopped", got["completion"])
}

func TestChat_ErrorThenCompletion(t *testing.T) {
	e := newEnv(t)
	e.queries.err = errs.ErrEmbeddingUnavailable
	conn := dialChat(t, e)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"query":"q"}`)))
	errMsg := readJSON(t, conn)["error"].(map[string]any)
	assert.Equal(t, "embedding_unavailable", errMsg["kind"])
	assert.Equal(t, "failed", readJSON(t, conn)["status"])
}

func TestParseChatMessage(t *testing.T) {
	msg, err := parseChatMessage([]byte(`{"query":"q","document_id":"d1","use_web_search":true}`))
	require.NoError(t, err)
	assert.Equal(t, "q", msg.Query)
	assert.Equal(t, "d1", msg.DocumentID)
	assert.True(t, msg.UseWebSearch)

	_, err = parseChatMessage([]byte(`{broken`))
	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
}
