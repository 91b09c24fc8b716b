// Package ws exposes the websocket boundary: it upgrades connections,
// decodes event envelopes and routes them into the hub and the message
// pipeline. Identity is asserted upstream; the participant id on the
// socket is trusted as-is.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"chatd/pkg/convkey"
	"chatd/pkg/ingest"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/rooms"
	"chatd/pkg/store"
	"chatd/pkg/utils"
	"chatd/pkg/validation"

	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	maxFrameSize = 64 * 1024
)

// Handler upgrades and serves chat websockets.
type Handler struct {
	hub        *rooms.Hub
	proc       *ingest.Processor
	upgrader   websocket.Upgrader
	roomBuffer int
}

// NewHandler builds the websocket handler. allowedOrigins follows the
// gateway CORS list; "*" (or an empty list) admits any origin.
func NewHandler(hub *rooms.Hub, proc *ingest.Processor, allowedOrigins []string, roomBuffer int) *Handler {
	h := &Handler{hub: hub, proc: proc, roomBuffer: roomBuffer}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// inbound is the envelope read off the socket; data stays raw until the
// event name selects a payload shape.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinRoomReq struct {
	UserID string `json:"userId"`
}

type joinChatReq struct {
	UserID  string `json:"userId"`
	OwnerID string `json:"ownerId"`
}

type sendMessageReq struct {
	ConversationKey string `json:"conversationKey"`
	SenderID        string `json:"senderId"`
	Body            string `json:"body"`
}

type leaveChatReq struct {
	ConversationKey string `json:"conversationKey"`
}

// ServeHTTP upgrades the request and runs the read loop until the client
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = r.Header.Get("X-User-ID")
	}
	if participant == "" {
		utils.JSONError(w, http.StatusBadRequest, "missing participant")
		return
	}
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := rooms.NewConnection(participant, sock, h.roomBuffer)
	h.hub.Attach(conn)
	logger.Info("ws_connected", "participant", participant, "conn", conn.ID)

	h.readLoop(sock, conn)

	h.hub.Detach(conn)
	conn.Shutdown(websocket.CloseNormalClosure, "bye")
	logger.Info("ws_disconnected", "participant", participant, "conn", conn.ID)
}

func (h *Handler) readLoop(sock *websocket.Conn, conn *rooms.Connection) {
	// frames must fit the configured body limit plus envelope overhead
	frameLimit := int64(maxFrameSize)
	if n := int64(validation.MaxBodyBytes()) + 1024; n > frameLimit {
		frameLimit = n
	}
	sock.SetReadLimit(frameLimit)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("ws_read_failed", "conn", conn.ID, "error", err)
			}
			return
		}
		var env inbound
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(conn, "malformed envelope")
			continue
		}
		h.dispatch(conn, env)
	}
}

func (h *Handler) dispatch(conn *rooms.Connection, env inbound) {
	switch env.Event {
	case "join_room":
		var req joinRoomReq
		if err := json.Unmarshal(env.Data, &req); err != nil || req.UserID == "" {
			h.sendError(conn, "join_room requires userId")
			return
		}
		if err := validation.ValidateParticipantID(req.UserID); err != nil {
			h.sendError(conn, err.Error())
			return
		}
		// personal room carries the bare participant id
		h.hub.Join(req.UserID, conn)

	case "join_chat":
		var req joinChatReq
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.sendError(conn, "join_chat requires userId and ownerId")
			return
		}
		h.joinChat(conn, req)

	case "send_message":
		var req sendMessageReq
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ConversationKey == "" {
			h.sendError(conn, "send_message requires conversationKey")
			return
		}
		if req.SenderID == "" {
			req.SenderID = conn.Participant
		}
		if err := validation.ValidateMessage(models.Message{ConversationKey: req.ConversationKey, SenderID: req.SenderID, Body: req.Body}); err != nil {
			h.sendError(conn, err.Error())
			return
		}
		if _, _, err := h.proc.SendMessage(context.Background(), req.ConversationKey, req.SenderID, req.Body); err != nil {
			logger.Warn("ws_send_failed", "conversation", req.ConversationKey, "error", err)
			h.sendError(conn, "message not delivered")
		}

	case "leave_chat":
		var req leaveChatReq
		if err := json.Unmarshal(env.Data, &req); err != nil || req.ConversationKey == "" {
			h.sendError(conn, "leave_chat requires conversationKey")
			return
		}
		h.hub.Leave(req.ConversationKey, conn)

	default:
		h.sendError(conn, "unknown event")
	}
}

// joinChat resolves the conversation key, records both memberships,
// subscribes the connection and announces the join to the room.
func (h *Handler) joinChat(conn *rooms.Connection, req joinChatReq) {
	if err := validation.ValidateParticipantID(req.UserID); err != nil {
		h.sendError(conn, err.Error())
		return
	}
	if err := validation.ValidateParticipantID(req.OwnerID); err != nil {
		h.sendError(conn, err.Error())
		return
	}
	key, err := convkey.Resolve(req.UserID, req.OwnerID)
	if err != nil {
		h.sendError(conn, "invalid participants")
		return
	}
	if err := store.AddMembership(req.UserID, key); err != nil {
		logger.Error("ws_join_membership_failed", "conversation", key, "error", err)
		h.sendError(conn, "join failed")
		return
	}
	if err := store.AddMembership(req.OwnerID, key); err != nil {
		logger.Error("ws_join_membership_failed", "conversation", key, "error", err)
		h.sendError(conn, "join failed")
		return
	}
	h.hub.Join(key, conn)
	payload, err := json.Marshal(models.Envelope{
		Event: models.EventJoinedChat,
		Data:  map[string]string{"conversationKey": key},
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(key, payload, "")
	logger.Debug("ws_joined_chat", "conversation", key, "participant", conn.Participant)
}

func (h *Handler) sendError(conn *rooms.Connection, msg string) {
	payload, err := json.Marshal(models.Envelope{
		Event: models.EventError,
		Data:  map[string]string{"message": msg},
	})
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
