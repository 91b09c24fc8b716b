package rooms

import (
	"testing"
	"time"
)

func drain(t *testing.T, c *Connection) []byte {
	t.Helper()
	select {
	case b := <-c.send:
		return b
	case <-time.After(time.Second):
		t.Fatalf("no payload delivered")
		return nil
	}
}

func TestJoinAndBroadcast(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 4)
	b := NewConnection("o1", nil, 4)
	h.Attach(a)
	h.Attach(b)
	h.Join("o1_u1", a)
	h.Join("o1_u1", b)

	n := h.Broadcast("o1_u1", []byte("hi"), "")
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if string(drain(t, a)) != "hi" || string(drain(t, b)) != "hi" {
		t.Fatalf("unexpected payloads")
	}
}

func TestJoinIdempotent(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 4)
	h.Attach(a)
	h.Join("o1_u1", a)
	h.Join("o1_u1", a)
	if n := h.Broadcast("o1_u1", []byte("x"), ""); n != 1 {
		t.Fatalf("expected single delivery after repeated join, got %d", n)
	}
}

func TestBroadcastExcludesParticipant(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 4)
	b := NewConnection("o1", nil, 4)
	h.Attach(a)
	h.Attach(b)
	h.Join("o1_u1", a)
	h.Join("o1_u1", b)
	if n := h.Broadcast("o1_u1", []byte("x"), "u1"); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if string(drain(t, b)) != "x" {
		t.Fatalf("wrong recipient")
	}
}

func TestNotifyParticipantAllConnections(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a1 := NewConnection("u1", nil, 4)
	a2 := NewConnection("u1", nil, 4)
	h.Attach(a1)
	h.Attach(a2)
	if n := h.NotifyParticipant("u1", []byte("ping")); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if n := h.NotifyParticipant("ghost", []byte("ping")); n != 0 {
		t.Fatalf("expected 0 deliveries for unknown participant, got %d", n)
	}
}

func TestDetachLeavesAllRooms(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 4)
	h.Attach(a)
	h.Join("o1_u1", a)
	h.Join("u1_x9", a)
	h.Detach(a)

	if n := h.Broadcast("o1_u1", []byte("x"), ""); n != 0 {
		t.Fatalf("expected no deliveries after detach, got %d", n)
	}
	conns, rooms := h.Counts()
	if conns != 0 || rooms != 0 {
		t.Fatalf("expected empty hub, got conns=%d rooms=%d", conns, rooms)
	}
}

func TestBroadcastPastClosedConnection(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 4)
	b := NewConnection("o1", nil, 4)
	h.Attach(a)
	h.Attach(b)
	h.Join("o1_u1", a)
	h.Join("o1_u1", b)
	a.Shutdown(1000, "bye")

	// closed member is skipped, the rest still receive
	if n := h.Broadcast("o1_u1", []byte("x"), ""); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if string(drain(t, b)) != "x" {
		t.Fatalf("wrong recipient")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := NewHub()
	defer h.Close()
	a := NewConnection("u1", nil, 1)
	h.Attach(a)
	h.Join("o1_u1", a)

	if n := h.Broadcast("o1_u1", []byte("1"), ""); n != 1 {
		t.Fatalf("first delivery should succeed, got %d", n)
	}
	// buffer full now; delivery fails and the connection closes itself
	if n := h.Broadcast("o1_u1", []byte("2"), ""); n != 0 {
		t.Fatalf("expected overflow drop, got %d deliveries", n)
	}
	if err := a.Send([]byte("3")); err == nil {
		t.Fatalf("expected closed connection error")
	}
}
