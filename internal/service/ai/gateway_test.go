package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"rolechat/internal/config"
)

type fakeAssistantAPI struct {
	mu       sync.Mutex
	posted   []string
	statuses []string
	polls    int
	reply    string
	failWith int
}

func (f *fakeAssistantAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, r *http.Request) {
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			_, _ = w.Write([]byte(`{"error":{"message":"denied","type":"invalid_request_error"}}`))
			return
		}
		writeJSON(w, map[string]any{"id": "thread_1", "object": "thread"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.posted = append(f.posted, req.Content)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"id": "msg_1", "object": "thread.message", "role": "user"})
	})
	mux.HandleFunc("POST /v1/threads/{thread}/runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "run_1", "object": "thread.run", "status": "queued"})
	})
	mux.HandleFunc("GET /v1/threads/{thread}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := "in_progress"
		if f.polls < len(f.statuses) {
			status = f.statuses[f.polls]
		}
		f.polls++
		f.mu.Unlock()
		body := map[string]any{"id": r.PathValue("run"), "object": "thread.run", "status": status}
		if status == "failed" {
			body["last_error"] = map[string]any{"code": "server_error", "message": "model overloaded"}
		}
		writeJSON(w, body)
	})
	mux.HandleFunc("GET /v1/threads/{thread}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{
					"id":   "msg_2",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "text", "text": map[string]any{"value": f.reply, "annotations": []any{}}},
					},
				},
				{
					"id":   "msg_1",
					"role": "user",
					"content": []map[string]any{
						{"type": "text", "text": map[string]any{"value": "question", "annotations": []any{}}},
					},
				},
			},
			"has_more": false,
		})
	})
	return mux
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestGateway(t *testing.T, api *fakeAssistantAPI, prefix bool) *Gateway {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	gw, err := NewGateway(config.AssistantConfig{
		APIKey:      "test-key",
		BaseURL:     srv.URL + "/v1",
		AssistantID: "asst_1",
		RolePrefix:  prefix,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestGatewayThreadRoundTrip(t *testing.T) {
	api := &fakeAssistantAPI{statuses: []string{"queued", "completed"}, reply: "Water level is at 62%."}
	gw := newTestGateway(t, api, true)
	ctx := context.Background()

	threadID, err := gw.CreateThread(ctx)
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if threadID != "thread_1" {
		t.Fatalf("unexpected thread id %q", threadID)
	}
	if err := gw.PostMessage(ctx, threadID, "village_chief", "What is our water level?"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	if len(api.posted) != 1 || api.posted[0] != "[Role: village_chief] What is our water level?" {
		t.Fatalf("unexpected posted content %v", api.posted)
	}
	runID, err := gw.StartRun(ctx, threadID)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	st, err := gw.PollRun(ctx, threadID, runID)
	if err != nil || st.State != RunPending {
		t.Fatalf("first poll = %+v, %v", st, err)
	}
	st, err = gw.PollRun(ctx, threadID, runID)
	if err != nil || st.State != RunCompleted {
		t.Fatalf("second poll = %+v, %v", st, err)
	}

	reply, err := gw.LatestReply(ctx, threadID)
	if err != nil {
		t.Fatalf("latest reply: %v", err)
	}
	if reply != "Water level is at 62%." {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestGatewayWithoutRolePrefix(t *testing.T) {
	api := &fakeAssistantAPI{}
	gw := newTestGateway(t, api, false)
	if err := gw.PostMessage(context.Background(), "thread_1", "scout", "hello"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	if api.posted[0] != "hello" {
		t.Fatalf("expected raw text, got %q", api.posted[0])
	}
}

func TestGatewayFailedRunCarriesReason(t *testing.T) {
	api := &fakeAssistantAPI{statuses: []string{"failed"}}
	gw := newTestGateway(t, api, true)
	st, err := gw.PollRun(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st.State != RunFailed || st.Reason != "model overloaded" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestGatewayClassifiesHTTPFailures(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrRemoteRejected},
		{http.StatusBadRequest, ErrRemoteRejected},
		{http.StatusTooManyRequests, ErrRemoteUnavailable},
		{http.StatusServiceUnavailable, ErrRemoteUnavailable},
		{http.StatusGatewayTimeout, ErrRemoteTimeout},
	}
	for _, tc := range cases {
		api := &fakeAssistantAPI{failWith: tc.status}
		gw := newTestGateway(t, api, true)
		_, err := gw.CreateThread(context.Background())
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

func TestGatewayUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	gw, err := NewGateway(config.AssistantConfig{APIKey: "k", BaseURL: url + "/v1", AssistantID: "a"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	_, err = gw.CreateThread(context.Background())
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClassifyFallsBackToMessage(t *testing.T) {
	if !errors.Is(classify(errors.New("request timeout while reading")), ErrRemoteTimeout) {
		t.Fatalf("expected timeout")
	}
	if !errors.Is(classify(errors.New("error, status code: 401, unauthorized")), ErrRemoteRejected) {
		t.Fatalf("expected rejected")
	}
	if !errors.Is(classify(errors.New("connection reset by peer")), ErrRemoteUnavailable) {
		t.Fatalf("expected unavailable")
	}
	if !strings.Contains(wrap("op", errors.New("boom")).Error(), "op: remote unavailable: boom") {
		t.Fatalf("unexpected wrap format")
	}
}
