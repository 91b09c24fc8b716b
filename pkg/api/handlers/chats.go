package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"chatd/pkg/convkey"
	"chatd/pkg/ingest"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/store"
	"chatd/pkg/telemetry"
	"chatd/pkg/utils"
	"chatd/pkg/validation"

	"github.com/gorilla/mux"
)

var proc *ingest.Processor

// RegisterChats registers HTTP handlers for conversation endpoints.
func RegisterChats(r *mux.Router, p *ingest.Processor) {
	proc = p

	r.HandleFunc("/chats", createChat).Methods(http.MethodPost)
	r.HandleFunc("/chats/{key}/messages", listChatMessages).Methods(http.MethodGet)
	r.HandleFunc("/chats/{key}/messages", sendChatMessage).Methods(http.MethodPost)
	r.HandleFunc("/chats/{key}/read", markChatRead).Methods(http.MethodPost)
	r.HandleFunc("/participants/{id}/chats", listParticipantChats).Methods(http.MethodGet)
}

type createChatReq struct {
	UserID  string `json:"userId"`
	OwnerID string `json:"ownerId"`
}

// createChat resolves the canonical key for the two participants and
// records the membership for both sides. Calling it again for the same
// pair is a no-op and returns the same key.
func createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validation.ValidateParticipantID(req.UserID); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateParticipantID(req.OwnerID); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := convkey.Resolve(req.UserID, req.OwnerID)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid participants")
		return
	}
	if err := store.AddMembership(req.UserID, key); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := store.AddMembership(req.OwnerID, key); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("chat_created", "conversation", key)
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"conversationKey": key})
}

// listChatMessages returns the ascending history of a conversation.
// Unknown conversations yield an empty list, not an error.
func listChatMessages(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if _, _, err := convkey.Split(key); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid conversation key")
		return
	}
	msgs, err := store.ListMessages(key)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	logger.Info("messages_list", "conversation", key, "count", len(msgs))
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		ConversationKey string           `json:"conversationKey"`
		Messages        []models.Message `json:"messages"`
	}{ConversationKey: key, Messages: msgs})
}

type sendMessageReq struct {
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
}

// sendChatMessage routes a REST-originated message through the same
// pipeline as websocket traffic; the response carries the authoritative
// timestamp assigned at receipt.
func sendChatMessage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRequestOp(r.Context(), "send_message")
	key := mux.Vars(r)["key"]
	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SenderID == "" {
		req.SenderID = r.Header.Get("X-User-ID")
	}
	if err := validation.ValidateMessage(models.Message{ConversationKey: key, SenderID: req.SenderID, Body: req.Body}); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, _, err := proc.SendMessage(r.Context(), key, req.SenderID, req.Body)
	switch {
	case errors.Is(err, convkey.ErrInvalidParticipants):
		utils.JSONError(w, http.StatusBadRequest, "sender not in conversation")
		return
	case errors.Is(err, ingest.ErrQueueFull) || errors.Is(err, ingest.ErrQueueClosed):
		utils.JSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("message_created", "conversation", key, "sender", req.SenderID)
	_ = utils.JSONWrite(w, http.StatusOK, msg)
}

// markChatRead clears the unread counter of a conversation summary.
func markChatRead(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	sum, err := store.ResetUnread(key)
	if errors.Is(err, store.ErrNotFound) {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("chat_read", "conversation", key)
	_ = utils.JSONWrite(w, http.StatusOK, sum)
}

// listParticipantChats returns the participant's conversation summaries
// sorted by last activity, newest first.
func listParticipantChats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validation.ValidateParticipantID(id); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sums, err := store.ListParticipantChats(id)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("chats_list", "participant", id, "count", len(sums))
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Participant string           `json:"participant"`
		Chats       []models.Summary `json:"chats"`
	}{Participant: id, Chats: sums})
}
