package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docsense-go/internal/model"
	"docsense-go/pkg/errs"
	"docsense-go/pkg/llm"
	"docsense-go/pkg/tasks"
	"docsense-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocService struct {
	uploadName string
	uploadBody string
	ingestErr  error
	statusErr  error
	deleted    int64
}

func (f *fakeDocService) Upload(_ context.Context, fileName string, r io.Reader, _ int64, _ string) (*model.UploadResult, error) {
	b, _ := io.ReadAll(r)
	f.uploadName, f.uploadBody = fileName, string(b)
	return &model.UploadResult{FileKey: "uploads/" + fileName, TextKey: "texts/x.txt", Queued: true}, nil
}

func (f *fakeDocService) IngestText(_ context.Context, fileKey, _ string) (*model.IngestionResult, error) {
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &model.IngestionResult{FileKey: fileKey, Status: model.StateCompleted, TotalChunks: 2, ChunksIngested: 2}, nil
}

func (f *fakeDocService) Process(context.Context, tasks.IngestionTask) error { return nil }

func (f *fakeDocService) Status(_ context.Context, fileKey string) (*model.DocumentStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &model.DocumentStatus{Document: &model.Document{FileKey: fileKey}}, nil
}

func (f *fakeDocService) ListChunks(_ context.Context, fileKey string) ([]*model.Chunk, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return []*model.Chunk{{FileKey: fileKey, ChunkIndex: 0, Text: "first"}, {FileKey: fileKey, ChunkIndex: 1, Text: "second"}}, nil
}

func (f *fakeDocService) List(context.Context) ([]model.Document, error) {
	return []model.Document{{FileKey: "a"}}, nil
}

func (f *fakeDocService) Delete(context.Context, string) (int64, error) { return f.deleted, nil }

type fakeQAService struct {
	answerErr error
	stream    []string
}

func (f *fakeQAService) Answer(_ context.Context, fileKey, question string, topK int) (*model.AnswerResult, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &model.AnswerResult{QueryID: "q1", Status: model.StatusAnswered, Answer: question + "@" + fileKey, Confidence: 0.9}, nil
}

func (f *fakeQAService) AnswerStream(_ context.Context, _, question string, _ int, w llm.MessageWriter, _ func() bool) error {
	if f.answerErr != nil {
		return f.answerErr
	}
	for _, s := range f.stream {
		b, _ := json.Marshal(map[string]string{"chunk": s})
		if err := w.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	b, _ := json.Marshal(map[string]string{"type": "completion", "question": question})
	return w.WriteMessage(websocket.TextMessage, b)
}

func (f *fakeQAService) Summarize(context.Context, string) (*model.SummaryResult, error) {
	return &model.SummaryResult{Status: model.StatusNoContext, Summary: "nothing"}, nil
}

func newTestRouter(docs *fakeDocService, qa *fakeQAService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	dh := NewDocumentHandler(docs)
	qh := NewQAHandler(qa)
	r.POST("/documents/upload", dh.Upload)
	r.POST("/documents/ingest", dh.Ingest)
	r.GET("/documents/status", dh.Status)
	r.GET("/documents/chunks", dh.Chunks)
	r.GET("/documents", dh.List)
	r.DELETE("/documents", dh.Delete)
	r.POST("/qa/answer", qh.Answer)
	r.GET("/qa/summary", qh.Summary)
	return r
}

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	ErrorCode string          `json:"error_code"`
}

func serve(t *testing.T, r http.Handler, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestUploadAccepted(t *testing.T) {
	docs := &fakeDocService{}
	r := newTestRouter(docs, &fakeQAService{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	w, env := serve(t, r, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "report.pdf", docs.uploadName)
	assert.Equal(t, "%PDF-1.4", docs.uploadBody)

	var res model.UploadResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "uploads/report.pdf", res.FileKey)
	assert.True(t, res.Queued)
}

func TestUploadMissingFile(t *testing.T) {
	r := newTestRouter(&fakeDocService{}, &fakeQAService{})
	w, env := serve(t, r, httptest.NewRequest(http.MethodPost, "/documents/upload", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.CodeInvalidInput), env.ErrorCode)
}

func TestIngestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errs.Errorf(errs.CodeIngestionInProgress, "op", "busy"), http.StatusConflict},
		{errs.Errorf(errs.CodeVectorStoreUnavailable, "op", "down"), http.StatusServiceUnavailable},
		{errs.Errorf(errs.CodeDimensionMismatch, "op", "dims"), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newTestRouter(&fakeDocService{ingestErr: tc.err}, &fakeQAService{})
		w, env := serve(t, r, jsonRequest(http.MethodPost, "/documents/ingest", `{"file_key":"k","text":"hello"}`))
		assert.Equal(t, tc.status, w.Code)
		assert.Equal(t, string(errs.CodeOf(tc.err)), env.ErrorCode)
	}
}

func TestIngestSuccess(t *testing.T) {
	r := newTestRouter(&fakeDocService{}, &fakeQAService{})
	w, env := serve(t, r, jsonRequest(http.MethodPost, "/documents/ingest", `{"file_key":"k","text":"hello"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var res model.IngestionResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, model.StateCompleted, res.Status)
	assert.Equal(t, 2, res.ChunksIngested)

	w, _ = serve(t, r, jsonRequest(http.MethodPost, "/documents/ingest", `{"text":"hello"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusAndDelete(t *testing.T) {
	docs := &fakeDocService{deleted: 4}
	r := newTestRouter(docs, &fakeQAService{})

	w, _ := serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/status", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/status?file_key=a", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	docs.statusErr = errs.Errorf(errs.CodeNotFound, "op", "missing")
	w, env := serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/status?file_key=a", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", env.ErrorCode)

	w, env = serve(t, r, httptest.NewRequest(http.MethodDelete, "/documents?file_key=a", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"file_key":"a","deleted_vectors":4}`, string(env.Data))

	w, _ = serve(t, r, httptest.NewRequest(http.MethodGet, "/documents", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChunks(t *testing.T) {
	r := newTestRouter(&fakeDocService{}, &fakeQAService{})
	w, env := serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/chunks?file_key=a", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var chunks []model.Chunk
	require.NoError(t, json.Unmarshal(env.Data, &chunks))
	require.Len(t, chunks, 2)
	assert.Equal(t, "second", chunks[1].Text)

	w, _ = serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/chunks", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = newTestRouter(&fakeDocService{statusErr: errs.Errorf(errs.CodeNotFound, "op", "missing")}, &fakeQAService{})
	w, env = serve(t, r, httptest.NewRequest(http.MethodGet, "/documents/chunks?file_key=x", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(errs.CodeNotFound), env.ErrorCode)
}

func TestAnswerAndSummary(t *testing.T) {
	qa := &fakeQAService{}
	r := newTestRouter(&fakeDocService{}, qa)

	w, env := serve(t, r, jsonRequest(http.MethodPost, "/qa/answer", `{"file_key":"k","question":"why?","top_k":3}`))
	require.Equal(t, http.StatusOK, w.Code)
	var res model.AnswerResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "why?@k", res.Answer)

	w, _ = serve(t, r, jsonRequest(http.MethodPost, "/qa/answer", `{"file_key":"k"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	qa.answerErr = errs.Errorf(errs.CodeGenerationFailed, "op", "llm down")
	w, env = serve(t, r, jsonRequest(http.MethodPost, "/qa/answer", `{"file_key":"k","question":"why?"}`))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "GENERATION_FAILED", env.ErrorCode)

	w, env = serve(t, r, httptest.NewRequest(http.MethodGet, "/qa/summary?file_key=k", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var sum model.SummaryResult
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, model.StatusNoContext, sum.Status)
}

func TestChatWebsocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtManager := token.NewJWTManager("secret", 1)
	tok, err := jwtManager.GenerateToken("alice", "user")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/chat/:token", NewChatHandler(&fakeQAService{stream: []string{"hel", "lo"}}, jwtManager).Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/"
	_, resp, err := websocket.DefaultDialer.Dial(base+"bad-token", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+tok, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ChatRequest{FileKey: "k", Question: "hi"}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []map[string]string
	for len(got) < 3 {
		var m map[string]string
		require.NoError(t, conn.ReadJSON(&m))
		got = append(got, m)
	}
	assert.Equal(t, "hel", got[0]["chunk"])
	assert.Equal(t, "lo", got[1]["chunk"])
	assert.Equal(t, "completion", got[2]["type"])
	assert.Equal(t, "hi", got[2]["question"])
}
