package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"rolechat/internal/models"
	"rolechat/internal/run"
	"rolechat/internal/service/ai"
	"rolechat/internal/service/assistant"
	"rolechat/internal/storage"
	"rolechat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	startResp := doRequest(t, router, http.MethodGet, "/start?role=village_chief", nil)
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		ThreadID string `json:"thread_id"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.ThreadID == "" {
		t.Fatalf("expected thread id")
	}
	if startResp.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	again := doRequest(t, router, http.MethodGet, "/start?role=village_chief", nil)
	assertStatus(t, again, http.StatusOK)

	chatResp := doRequest(t, router, http.MethodPost, "/chat", map[string]string{
		"role":    "village_chief",
		"message": "What is our water level?",
	})
	assertStatus(t, chatResp, http.StatusOK)
	var chatBody struct {
		Response string `json:"response"`
	}
	decodeJSON(t, chatResp.Body.Bytes(), &chatBody)
	if chatBody.Response != "Water level is at 62%." {
		t.Fatalf("unexpected reply %q", chatBody.Response)
	}

	msgResp := doRequest(t, router, http.MethodGet, "/api/roles/village_chief/messages", nil)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgBody.Messages))
	}

	trResp := doRequest(t, router, http.MethodGet, "/api/roles/village_chief/transcript", nil)
	assertStatus(t, trResp, http.StatusOK)
	if !strings.Contains(trResp.Body.String(), "Water level is at 62%.") {
		t.Fatalf("transcript missing reply: %s", trResp.Body.String())
	}

	endResp := doRequest(t, router, http.MethodPost, "/end_session", map[string]string{
		"role":      "village_chief",
		"thread_id": startBody.ThreadID,
	})
	assertStatus(t, endResp, http.StatusOK)
	if countMessages(t, db, startBody.ThreadID) != 4 {
		t.Fatalf("expected session end marker to be stored")
	}

	foreign := doRequest(t, router, http.MethodPost, "/end_session", map[string]string{
		"role":      "village_chief",
		"thread_id": "thread_bogus",
	})
	assertStatus(t, foreign, http.StatusBadRequest)

	// the analysis is produced by the reconciler, not by the request path
	anResp := doRequest(t, router, http.MethodGet, "/api/roles/village_chief/analysis?thread_id="+startBody.ThreadID, nil)
	assertStatus(t, anResp, http.StatusNotFound)
}

func TestChatWithoutSession(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doRequest(t, router, http.MethodPost, "/chat", map[string]string{"role": "scout", "message": "hello"})
	assertStatus(t, resp, http.StatusConflict)

	resp = doRequest(t, router, http.MethodGet, "/api/roles/scout/transcript", nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestRequestValidation(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	assertStatus(t, doRequest(t, router, http.MethodGet, "/start", nil), http.StatusBadRequest)
	assertStatus(t, doRequest(t, router, http.MethodPost, "/chat", map[string]string{"role": "scout"}), http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		recorded bool
	}{
		{"busy", worker.ErrWorkerBusy, http.StatusTooManyRequests, false},
		{"timeout", &worker.ChatError{Stage: worker.StageReply, Recorded: true, Err: run.ErrRunTimeout}, http.StatusGatewayTimeout, true},
		{"failed", &worker.ChatError{Stage: worker.StageReply, Recorded: true, Err: &run.FailedError{Reason: "server_error"}}, http.StatusBadGateway, true},
		{"remote", &worker.ChatError{Stage: worker.StagePost, Recorded: true, Err: fmt.Errorf("post: %w", ai.ErrRemoteUnavailable)}, http.StatusBadGateway, true},
		{"storage", &worker.ChatError{Stage: worker.StageStore, Err: fmt.Errorf("insert: %w", assistant.ErrStorageUnavailable)}, http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, db, handler := newTestServer(t)
			defer db.Close()
			handler.workers.(*mockWorker).sendErr = tc.err

			resp := doRequest(t, router, http.MethodPost, "/chat", map[string]string{"role": "scout", "message": "hello"})
			assertStatus(t, resp, tc.status)
			var body struct {
				Error    string `json:"error"`
				Recorded bool   `json:"recorded"`
			}
			decodeJSON(t, resp.Body.Bytes(), &body)
			if body.Recorded != tc.recorded {
				t.Fatalf("recorded = %v, want %v", body.Recorded, tc.recorded)
			}
			if body.Error == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	router, db, _ := newTestServer(t)
	assertStatus(t, doRequest(t, router, http.MethodGet, "/healthz", nil), http.StatusOK)
	db.Close()
	assertStatus(t, doRequest(t, router, http.MethodGet, "/healthz", nil), http.StatusServiceUnavailable)
}

func TestRequestIDIsPropagated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger())
	router.GET("/id", func(c *gin.Context) {
		id, _ := RequestIDFromContext(c)
		c.String(http.StatusOK, id)
	})
	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Body.String() != "req-123" {
		t.Fatalf("unexpected request id %q", rec.Body.String())
	}
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, dialect, err := storage.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	asst := assistant.NewService(db, dialect)
	handler := NewHandler(newMockWorker(asst), asst)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, threadID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

// mockWorker keeps bindings in memory and answers with a fixed reply.
type mockWorker struct {
	assistant *assistant.Service
	bindings  map[string]*models.Session
	sendErr   error
}

func newMockWorker(asst *assistant.Service) *mockWorker {
	return &mockWorker{assistant: asst, bindings: make(map[string]*models.Session)}
}

func (m *mockWorker) StartSession(ctx context.Context, role string) (*models.Session, bool, error) {
	if role == "" {
		return nil, false, fmt.Errorf("%w: role is required", worker.ErrValidation)
	}
	if se, ok := m.bindings[role]; ok {
		return se, false, nil
	}
	threadID := fmt.Sprintf("thread_%s", role)
	msg, err := m.assistant.AppendMessage(ctx, threadID, role, models.SenderSystem, models.ConversationStarted)
	if err != nil {
		return nil, false, err
	}
	se := &models.Session{Role: role, ThreadID: threadID, CreatedAt: msg.CreatedAt}
	m.bindings[role] = se
	return se, true, nil
}

func (m *mockWorker) SendMessage(ctx context.Context, role, text string) (*worker.Reply, error) {
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	if role == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: role and message are required", worker.ErrValidation)
	}
	se, ok := m.bindings[role]
	if !ok {
		return nil, worker.ErrNoActiveSession
	}
	if _, err := m.assistant.AppendMessage(ctx, se.ThreadID, role, models.SenderUser, text); err != nil {
		return nil, err
	}
	reply := "Water level is at 62%."
	if _, err := m.assistant.AppendMessage(ctx, se.ThreadID, role, models.SenderAssistant, reply); err != nil {
		return nil, err
	}
	if _, _, err := m.assistant.UpsertTranscript(ctx, se.ThreadID, role); err != nil {
		return nil, err
	}
	return &worker.Reply{ThreadID: se.ThreadID, Text: reply}, nil
}

func (m *mockWorker) EndSession(ctx context.Context, role, threadID string) (*models.Transcript, error) {
	se, ok := m.bindings[role]
	if !ok {
		return nil, worker.ErrNoActiveSession
	}
	if threadID != "" && threadID != se.ThreadID {
		return nil, fmt.Errorf("%w: thread_id is not bound to %s", worker.ErrValidation, role)
	}
	return m.assistant.FinalizeTranscript(ctx, se.ThreadID, role)
}

func (m *mockWorker) CurrentSession(ctx context.Context, role string) (*models.Session, error) {
	return m.bindings[role], nil
}
