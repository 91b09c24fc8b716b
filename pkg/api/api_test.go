package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatd/pkg/ingest"
	"chatd/pkg/models"
	"chatd/pkg/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	proc := ingest.NewProcessor(ingest.Options{Shards: 2, QueueCapacity: 64}, nil)
	proc.Start()
	t.Cleanup(proc.Stop)
	srv := httptest.NewServer(Handler(proc))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestCreateChatResolvesCanonicalKey(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/chats", map[string]string{"userId": "u1", "ownerId": "o1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	if out["conversationKey"] != "o1_u1" {
		t.Fatalf("expected o1_u1, got %q", out["conversationKey"])
	}

	// reversed order resolves to the same key
	resp = postJSON(t, srv.URL+"/v1/chats", map[string]string{"userId": "o1", "ownerId": "u1"})
	decode(t, resp, &out)
	if out["conversationKey"] != "o1_u1" {
		t.Fatalf("expected o1_u1, got %q", out["conversationKey"])
	}
}

func TestCreateChatRejectsSelf(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/chats", map[string]string{"userId": "u1", "ownerId": "u1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHistoryEmptyForUnknownConversation(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/chats/a1_b1/messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, resp, &out)
	if len(out.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(out.Messages))
	}
}

func TestSendThenHistoryAndSummaries(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/v1/chats", map[string]string{"userId": "u1", "ownerId": "o1"}).Body.Close()

	resp := postJSON(t, srv.URL+"/v1/chats/o1_u1/messages", map[string]string{"senderId": "u1", "body": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status %d", resp.StatusCode)
	}
	var first models.Message
	decode(t, resp, &first)
	if first.Timestamp == 0 {
		t.Fatalf("timestamp not assigned")
	}

	resp = postJSON(t, srv.URL+"/v1/chats/o1_u1/messages", map[string]string{"senderId": "o1", "body": "hello"})
	var second models.Message
	decode(t, resp, &second)
	if second.Timestamp < first.Timestamp {
		t.Fatalf("timestamps regressed: %d < %d", second.Timestamp, first.Timestamp)
	}

	resp, err := http.Get(srv.URL + "/v1/chats/o1_u1/messages")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var hist struct {
		Messages []models.Message `json:"messages"`
	}
	decode(t, resp, &hist)
	if len(hist.Messages) != 2 || hist.Messages[0].Body != "hi" || hist.Messages[1].Body != "hello" {
		t.Fatalf("unexpected history: %+v", hist.Messages)
	}

	resp, err = http.Get(srv.URL + "/v1/participants/u1/chats")
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	var chats struct {
		Chats []models.Summary `json:"chats"`
	}
	decode(t, resp, &chats)
	if len(chats.Chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats.Chats))
	}
	sum := chats.Chats[0]
	if sum.UnreadCount != 2 || sum.LastMessage != "hello" || sum.UserID != "u1" || sum.OwnerID != "o1" {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestMarkRead(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/v1/chats", map[string]string{"userId": "u1", "ownerId": "o1"}).Body.Close()
	postJSON(t, srv.URL+"/v1/chats/o1_u1/messages", map[string]string{"senderId": "u1", "body": "hi"}).Body.Close()

	resp := postJSON(t, srv.URL+"/v1/chats/o1_u1/read", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status %d", resp.StatusCode)
	}
	var sum models.Summary
	decode(t, resp, &sum)
	if sum.UnreadCount != 0 {
		t.Fatalf("expected unread 0, got %d", sum.UnreadCount)
	}

	resp = postJSON(t, srv.URL+"/v1/chats/x1_y1/read", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSendRejectsForeignSender(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/chats/o1_u1/messages", map[string]string{"senderId": "stranger", "body": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/v1/chats/o1_u1/messages", map[string]string{"senderId": "u1", "body": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
