package models

// Summary is the per-conversation rollup shown in chat lists.
type Summary struct {
	ConversationKey string `json:"conversationKey"`
	// UserID is the participant who opened the conversation; OwnerID is the
	// other side. Both are fixed at first insert and never rewritten.
	UserID  string `json:"userId"`
	OwnerID string `json:"ownerId"`
	// LastMessage mirrors the body of the most recent message
	LastMessage string `json:"lastMessage"`
	// Timestamp of the most recent message (ns)
	Timestamp int64 `json:"timestamp"`
	// UnreadCount is incremented on every appended message and cleared by an
	// explicit read reset
	UnreadCount int64 `json:"unreadCount"`
}
