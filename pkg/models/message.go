package models

// Message is a single chat message. JSON field names follow the wire
// contract consumed by clients (camelCase).
type Message struct {
	ConversationKey string `json:"conversationKey"`
	SenderID        string `json:"senderId"`
	Body            string `json:"body"`
	// Timestamp is assigned server-side at receipt (ns)
	Timestamp int64 `json:"timestamp"`
}
