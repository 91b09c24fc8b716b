package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatd/pkg/ingest"
	"chatd/pkg/models"
	"chatd/pkg/rooms"
	"chatd/pkg/store"
	"chatd/pkg/validation"
)

func newTestHandler(t *testing.T) (*httptest.Server, *rooms.Hub) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	hub := rooms.NewHub()
	t.Cleanup(hub.Close)
	proc := ingest.NewProcessor(ingest.Options{Shards: 2, QueueCapacity: 64}, ingest.NewRoomFanout(hub))
	proc.Start()
	t.Cleanup(proc.Stop)
	srv := httptest.NewServer(NewHandler(hub, proc, nil, 16))
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, participant string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "?participant=" + participant
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", participant, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	if err := c.WriteJSON(models.Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

type rawEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// readUntil reads frames until it sees the wanted event, skipping others.
func readUntil(t *testing.T, c *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env rawEnvelope
		if err := c.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

func TestRejectsMissingParticipant(t *testing.T) {
	srv, _ := newTestHandler(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJoinChatAnnouncesKey(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")

	send(t, u1, "join_chat", map[string]string{"userId": "u1", "ownerId": "o1"})
	data := readUntil(t, u1, models.EventJoinedChat)
	var joined map[string]string
	if err := json.Unmarshal(data, &joined); err != nil {
		t.Fatalf("decode joined_chat: %v", err)
	}
	if joined["conversationKey"] != "o1_u1" {
		t.Fatalf("expected o1_u1, got %q", joined["conversationKey"])
	}

	// both memberships are recorded
	for _, p := range []string{"u1", "o1"} {
		keys, err := store.ListMemberships(p)
		if err != nil || len(keys) != 1 || keys[0] != "o1_u1" {
			t.Fatalf("memberships for %s: %v %v", p, keys, err)
		}
	}
}

func TestSendMessageFansOut(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")
	o1 := dial(t, srv, "o1")

	send(t, u1, "join_chat", map[string]string{"userId": "u1", "ownerId": "o1"})
	readUntil(t, u1, models.EventJoinedChat)
	send(t, o1, "join_chat", map[string]string{"userId": "o1", "ownerId": "u1"})
	readUntil(t, o1, models.EventJoinedChat)

	send(t, u1, "send_message", map[string]string{
		"conversationKey": "o1_u1", "senderId": "u1", "body": "hi there",
	})

	var msg models.Message
	if err := json.Unmarshal(readUntil(t, o1, models.EventReceiveMessage), &msg); err != nil {
		t.Fatalf("decode receive_message: %v", err)
	}
	if msg.Body != "hi there" || msg.SenderID != "u1" || msg.ConversationKey != "o1_u1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Timestamp == 0 {
		t.Fatalf("timestamp not assigned")
	}

	var upd models.ChatUpdate
	if err := json.Unmarshal(readUntil(t, o1, models.EventChatUpdated), &upd); err != nil {
		t.Fatalf("decode chat_updated: %v", err)
	}
	if upd.From != "u1" || upd.To != "o1" || upd.LastMessage != "hi there" {
		t.Fatalf("unexpected update: %+v", upd)
	}

	// sender sees the echo and its own update too
	if err := json.Unmarshal(readUntil(t, u1, models.EventReceiveMessage), &msg); err != nil {
		t.Fatalf("decode sender echo: %v", err)
	}
	readUntil(t, u1, models.EventChatUpdated)

	// message is durably stored
	msgs, err := store.ListMessages("o1_u1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("history: %v %v", msgs, err)
	}
}

func TestSenderDefaultsToSocketParticipant(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")

	send(t, u1, "join_chat", map[string]string{"userId": "u1", "ownerId": "o1"})
	readUntil(t, u1, models.EventJoinedChat)

	send(t, u1, "send_message", map[string]string{
		"conversationKey": "o1_u1", "body": "implicit sender",
	})
	var msg models.Message
	if err := json.Unmarshal(readUntil(t, u1, models.EventReceiveMessage), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.SenderID != "u1" {
		t.Fatalf("expected sender u1, got %q", msg.SenderID)
	}
}

func TestForeignSenderGetsError(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")

	send(t, u1, "send_message", map[string]string{
		"conversationKey": "o1_u1", "senderId": "stranger", "body": "nope",
	})
	var errData map[string]string
	if err := json.Unmarshal(readUntil(t, u1, models.EventError), &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData["message"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestJoinChatRejectsReservedCharacters(t *testing.T) {
	srv, _ := newTestHandler(t)
	a := dial(t, srv, "a")

	// ids carrying the store key delimiter would corrupt the member index
	send(t, a, "join_chat", map[string]string{"userId": "a:b", "ownerId": "zz"})
	var errData map[string]string
	if err := json.Unmarshal(readUntil(t, a, models.EventError), &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData["message"] == "" {
		t.Fatalf("expected error message")
	}

	for _, p := range []string{"a", "a:b", "zz"} {
		keys, err := store.ListMemberships(p)
		if err != nil || len(keys) != 0 {
			t.Fatalf("memberships recorded for %s: %v %v", p, keys, err)
		}
	}
}

func TestJoinRoomRejectsInvalidParticipant(t *testing.T) {
	srv, _ := newTestHandler(t)
	a := dial(t, srv, "a")
	send(t, a, "join_room", map[string]string{"userId": "a_b"})
	readUntil(t, a, models.EventError)
}

func TestSendMessageRejectsEmptyBody(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")

	send(t, u1, "send_message", map[string]string{"conversationKey": "o1_u1", "body": ""})
	readUntil(t, u1, models.EventError)

	msgs, err := store.ListMessages("o1_u1")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("empty body stored: %v %v", msgs, err)
	}
}

func TestSendMessageRejectsOversizeBody(t *testing.T) {
	validation.SetLimits(validation.Limits{MaxBodyBytes: 8})
	t.Cleanup(func() { validation.SetLimits(validation.Limits{MaxBodyBytes: 64 * 1024}) })

	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")

	send(t, u1, "send_message", map[string]string{"conversationKey": "o1_u1", "body": "well past the limit"})
	readUntil(t, u1, models.EventError)

	msgs, err := store.ListMessages("o1_u1")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("oversize body stored: %v %v", msgs, err)
	}
}

func TestUnknownEventGetsError(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")
	send(t, u1, "teleport", map[string]string{})
	readUntil(t, u1, models.EventError)
}

func TestMalformedEnvelopeGetsError(t *testing.T) {
	srv, _ := newTestHandler(t)
	u1 := dial(t, srv, "u1")
	if err := u1.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, u1, models.EventError)
}
