package models

// TypingState is the single overwriteable presence record of a conversation.
// An empty TypingUserID means nobody is typing.
type TypingState struct {
	ConversationID string `json:"conversation_id"`
	TypingUserID   string `json:"typing_user_id"`
	LastTypedAt    int64  `json:"last_typed_at"`
}
