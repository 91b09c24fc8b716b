package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatd/pkg/convkey"
	"chatd/pkg/models"
	"chatd/pkg/store"
)

type captureFanout struct {
	mu       sync.Mutex
	rooms    []string
	personal []string
	payloads [][]byte
}

func (c *captureFanout) Broadcast(room string, payload []byte, exclude string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = append(c.rooms, room)
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	return 1
}

func (c *captureFanout) NotifyParticipant(id string, payload []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personal = append(c.personal, id)
	return 1
}

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
}

func startProcessor(t *testing.T, f Fanout) *Processor {
	t.Helper()
	p := NewProcessor(Options{Shards: 2, QueueCapacity: 64}, f)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	openTestStore(t)
	fan := &captureFanout{}
	p := startProcessor(t, NewRoomFanout(fan))

	msg, sum, err := p.SendMessage(context.Background(), "o1_u1", "u1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Timestamp == 0 || msg.Body != "hello" || msg.SenderID != "u1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if sum.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", sum.UnreadCount)
	}

	msgs, err := store.ListMessages("o1_u1")
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected persisted message, got %d err=%v", len(msgs), err)
	}

	// fanout runs after the reply; give the worker a moment
	deadline := time.Now().Add(time.Second)
	for {
		fan.mu.Lock()
		rooms, personal := len(fan.rooms), len(fan.personal)
		fan.mu.Unlock()
		if rooms == 1 && personal == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fanout incomplete: rooms=%d personal=%d", rooms, personal)
		}
		time.Sleep(5 * time.Millisecond)
	}
	var env models.Envelope
	if err := json.Unmarshal(fan.payloads[0], &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Event != models.EventReceiveMessage {
		t.Fatalf("expected receive_message, got %s", env.Event)
	}
}

func TestSendMessageRejectsForeignSender(t *testing.T) {
	openTestStore(t)
	p := startProcessor(t, nil)
	if _, _, err := p.SendMessage(context.Background(), "o1_u1", "intruder", "hi"); !errors.Is(err, convkey.ErrInvalidParticipants) {
		t.Fatalf("expected ErrInvalidParticipants, got %v", err)
	}
}

func TestSendMessageStoreFailureNoBroadcast(t *testing.T) {
	// store deliberately not opened
	fan := &captureFanout{}
	p := startProcessor(t, NewRoomFanout(fan))

	_, _, err := p.SendMessage(context.Background(), "o1_u1", "u1", "hi")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	fan.mu.Lock()
	defer fan.mu.Unlock()
	if len(fan.rooms) != 0 || len(fan.personal) != 0 {
		t.Fatalf("broadcast happened despite persistence failure")
	}
}

func TestConcurrentSendersSameConversation(t *testing.T) {
	openTestStore(t)
	p := startProcessor(t, nil)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "u1"
			if i%2 == 0 {
				sender = "o1"
			}
			if _, _, err := p.SendMessage(context.Background(), "o1_u1", sender, "m"); err != nil {
				t.Errorf("send: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sum, err := store.GetSummary("o1_u1")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if sum.UnreadCount != n {
		t.Fatalf("lost updates: expected unread %d, got %d", n, sum.UnreadCount)
	}
	msgs, err := store.ListMessages("o1_u1")
	if err != nil || len(msgs) != n {
		t.Fatalf("expected %d messages, got %d err=%v", n, len(msgs), err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp > msgs[i].Timestamp {
			t.Fatalf("history out of order at %d", i)
		}
	}
}

func TestQueueCloseRacesEnqueueSafely(t *testing.T) {
	// a send racing the channel close must surface ErrQueueClosed or
	// ErrQueueFull, never panic
	q := NewQueue(4)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				if err := q.TryEnqueue(&Op{Key: "a_b", Payload: []byte("x")}); errors.Is(err, ErrQueueClosed) {
					return
				}
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	q.CloseAndDrain()
	wg.Wait()

	if err := q.TryEnqueue(&Op{Key: "a_b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed after close, got %v", err)
	}
}

func TestQueueFullRejects(t *testing.T) {
	q := NewQueue(1)
	if err := q.TryEnqueue(&Op{Key: "a_b", Payload: []byte("x")}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.TryEnqueue(&Op{Key: "a_b", Payload: []byte("y")}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
	q.CloseAndDrain()
	if err := q.TryEnqueue(&Op{Key: "a_b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
