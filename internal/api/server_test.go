package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/flowchat/relay/internal/events"
	"github.com/flowchat/relay/internal/kv"
	"github.com/flowchat/relay/internal/queue"
	"github.com/flowchat/relay/internal/retry"
	"github.com/flowchat/relay/internal/session"
	"github.com/flowchat/relay/internal/transport"
)

type testEnv struct {
	api     *httptest.Server
	webhook *httptest.Server
	bus     *events.Bus
	queue   *queue.Queue
	adapter *transport.Adapter
}

func newTestEnv(t *testing.T, webhookHandler http.HandlerFunc) *testEnv {
	t.Helper()
	logger := slog.Default()
	webhook := httptest.NewServer(webhookHandler)
	t.Cleanup(webhook.Close)

	store := kv.NewMemory()
	bus := events.NewBus(100, logger)
	sessions := session.NewManager(store, bus, logger)
	adapter := transport.New(transport.Config{
		WebhookURL: webhook.URL,
		Timeout:    2 * time.Second,
		Retry:      retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, bus, sessions, logger)
	q := queue.New(queue.Config{MaxSize: 10, MaxAttempts: 5, Expiry: time.Hour, StorageKey: "test:queue"},
		store, adapter.Deliver, logger)
	adapter.AttachQueue(q)

	srv := NewServer(0, adapter, q, sessions, bus, logger)
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(api.Close)

	return &testEnv{api: api, webhook: webhook, bus: bus, queue: q, adapter: adapter}
}

func jsonWebhook(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"output":%q}`, reply)
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(e.api.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("hi"))
	resp, err := http.Get(env.api.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d", resp.StatusCode)
	}
	if got := decodeBody(t, resp); got["status"] != "ok" {
		t.Errorf("body %v", got)
	}
}

func TestSend_Buffered(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("hello back"))
	resp := env.postJSON(t, "/api/v1/chat/inst-1/send", map[string]any{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	reply, ok := body["reply"].(map[string]any)
	if !ok {
		t.Fatalf("no reply in %v", body)
	}
	parts := reply["parts"].([]any)
	if parts[0].(map[string]any)["text"] != "hello back" {
		t.Errorf("reply %v", reply)
	}
}

func TestSend_Streaming(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"text\": \"Hel\"}\n\ndata: {\"text\": \"lo\"}\n\ndata: [DONE]\n\n")
	})

	req, _ := http.NewRequest(http.MethodPost, env.api.URL+"/api/v1/chat/i/send",
		strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, frame := range []string{`data: {"text":"Hel"}`, `data: {"text":"lo"}`, "data: [DONE]"} {
		if !strings.Contains(body, frame) {
			t.Errorf("stream missing %q:\n%s", frame, body)
		}
	}
}

func TestSend_ValidationError(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))
	resp := env.postJSON(t, "/api/v1/chat/i/send", map[string]any{"message": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	display := body["display"].(map[string]any)
	if display["message"] != "Message cannot be empty" {
		t.Errorf("display %v", display)
	}
}

func TestSession_GetAndReset(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))

	resp, _ := http.Get(env.api.URL + "/api/v1/chat/i/session")
	first := decodeBody(t, resp)["session_id"].(string)
	if first == "" {
		t.Fatal("empty session id")
	}

	req, _ := http.NewRequest(http.MethodDelete, env.api.URL+"/api/v1/chat/i/session", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	next := decodeBody(t, resp)["session_id"].(string)
	if next == first {
		t.Error("reset did not rotate session id")
	}
}

func TestQueue_InspectAndProcess(t *testing.T) {
	down := true
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		jsonWebhook("ok")(w, r)
	})

	resp := env.postJSON(t, "/api/v1/chat/i/send", map[string]any{"message": "offline msg"})
	body := decodeBody(t, resp)
	if body["queued"] == nil {
		t.Fatalf("expected queued result, got %v", body)
	}

	resp, _ = http.Get(env.api.URL + "/api/v1/chat/i/queue")
	qBody := decodeBody(t, resp)
	if qBody["size"].(float64) != 1 {
		t.Errorf("queue size %v", qBody["size"])
	}

	down = false
	resp = env.postJSON(t, "/api/v1/chat/i/queue/process", nil)
	pBody := decodeBody(t, resp)
	if pBody["sent"].(float64) != 1 || pBody["failed"].(float64) != 0 {
		t.Errorf("process result %v", pBody)
	}
}

func TestConfig_GetAndPatch(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))

	resp, _ := http.Get(env.api.URL + "/api/v1/config")
	cfg := decodeBody(t, resp)
	if cfg["webhook_url"] != env.webhook.URL {
		t.Errorf("webhook_url %v", cfg["webhook_url"])
	}

	patch, _ := json.Marshal(map[string]any{
		"webhook_url":        "https://new.example/hook",
		"retry_max_attempts": 5,
		"queue_max_size":     20,
	})
	req, _ := http.NewRequest(http.MethodPatch, env.api.URL+"/api/v1/config", bytes.NewReader(patch))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	updated := decodeBody(t, resp)
	if updated["webhook_url"] != "https://new.example/hook" {
		t.Errorf("patched webhook_url %v", updated["webhook_url"])
	}
	if updated["retry_max_attempts"].(float64) != 5 {
		t.Errorf("patched retry_max_attempts %v", updated["retry_max_attempts"])
	}
	if updated["queue_max_size"].(float64) != 20 {
		t.Errorf("patched queue_max_size %v", updated["queue_max_size"])
	}
	if env.adapter.WebhookURL() != "https://new.example/hook" {
		t.Error("adapter webhook not updated")
	}
}

func TestLifecycle_EmitsOpenAndClose(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))
	var got []events.Type
	env.bus.SubscribeInstance("inst-1", func(e events.Event) { got = append(got, e.Type) })

	env.postJSON(t, "/api/v1/chat/inst-1/open", nil).Body.Close()
	env.postJSON(t, "/api/v1/chat/inst-1/close", nil).Body.Close()

	if len(got) != 2 || got[0] != events.ChatOpened || got[1] != events.ChatClosed {
		t.Errorf("lifecycle events %v", got)
	}
}

func TestEventHistory(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))
	env.bus.Emit(events.ChatOpened, "inst-1", nil)
	env.bus.Emit(events.ChatClosed, "inst-2", nil)

	resp, _ := http.Get(env.api.URL + "/api/v1/events/history?instance=inst-1")
	body := decodeBody(t, resp)
	evts := body["events"].([]any)
	if len(evts) != 1 {
		t.Fatalf("history %v", evts)
	}
	if evts[0].(map[string]any)["type"] != "chat:opened" {
		t.Errorf("event %v", evts[0])
	}
}

func TestWSEvents_Feed(t *testing.T) {
	env := newTestEnv(t, jsonWebhook("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.api.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the subscription a moment to register before emitting.
	time.Sleep(50 * time.Millisecond)
	env.bus.Emit(events.MessageSent, "inst-1", map[string]any{"content": "hi"})

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt events.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != events.MessageSent || evt.InstanceID != "inst-1" {
		t.Errorf("event %+v", evt)
	}
}
