package models

// Event names pushed over websocket rooms.
const (
	EventReceiveMessage = "receive_message"
	EventChatUpdated    = "chat_updated"
	EventJoinedChat     = "joined_chat"
	EventError          = "error"
)

// Envelope is the wire frame for every pushed or received websocket event.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ChatUpdate is the chat_updated payload delivered to each participant's
// personal room after a message lands. From is the sender, To the peer.
type ChatUpdate struct {
	ConversationKey string `json:"conversationKey"`
	LastMessage     string `json:"lastMessage"`
	Timestamp       int64  `json:"timestamp"`
	From            string `json:"from"`
	To              string `json:"to"`
}
