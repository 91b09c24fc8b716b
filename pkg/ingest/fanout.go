package ingest

import (
	"encoding/json"

	"chatd/pkg/convkey"
	"chatd/pkg/logger"
	"chatd/pkg/models"
	"chatd/pkg/telemetry"
)

// Fanout receives post-apply side-effects from the pipeline. Fanout runs
// after the durable write and after the caller was answered; failures
// here are logged and never propagate back.
type Fanout interface {
	MessageApplied(msg models.Message, sum models.Summary)
}

// NopFanout drops all side-effects.
type NopFanout struct{}

func (NopFanout) MessageApplied(models.Message, models.Summary) {}

// Broadcaster is the room surface the fanout pushes to.
type Broadcaster interface {
	Broadcast(room string, payload []byte, excludeParticipant string) int
	NotifyParticipant(participantID string, payload []byte) int
}

// RoomFanout pushes receive_message into the conversation room and
// chat_updated into both participants' personal rooms.
type RoomFanout struct {
	Rooms Broadcaster
}

func NewRoomFanout(b Broadcaster) *RoomFanout { return &RoomFanout{Rooms: b} }

func (f *RoomFanout) MessageApplied(msg models.Message, sum models.Summary) {
	if f.Rooms == nil {
		return
	}
	recv, err := json.Marshal(models.Envelope{Event: models.EventReceiveMessage, Data: msg})
	if err != nil {
		logger.Error("fanout_marshal_failed", "conversation", msg.ConversationKey, "error", err)
		return
	}
	delivered := f.Rooms.Broadcast(msg.ConversationKey, recv, "")

	peer, err := convkey.Peer(msg.ConversationKey, msg.SenderID)
	if err != nil {
		logger.Error("fanout_peer_resolve_failed", "conversation", msg.ConversationKey, "error", err)
		return
	}
	update := models.ChatUpdate{
		ConversationKey: msg.ConversationKey,
		LastMessage:     sum.LastMessage,
		Timestamp:       sum.Timestamp,
		From:            msg.SenderID,
		To:              peer,
	}
	upd, err := json.Marshal(models.Envelope{Event: models.EventChatUpdated, Data: update})
	if err != nil {
		logger.Error("fanout_marshal_failed", "conversation", msg.ConversationKey, "error", err)
		return
	}
	notified := f.Rooms.NotifyParticipant(msg.SenderID, upd)
	notified += f.Rooms.NotifyParticipant(peer, upd)
	telemetry.BroadcastsTotal.Inc()
	logger.Debug("fanout_done", "conversation", msg.ConversationKey, "room_delivered", delivered, "notified", notified)
}
