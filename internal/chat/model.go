package chat

import "time"

// Conversation is the persisted record of a 1:1 chat. The primary key is the
// canonical id derived from the two participants, so either side can address
// the conversation without a lookup. Conversations are never physically
// deleted; each participant may soft-hide it via the deleted-by flags.
type Conversation struct {
	ConversationID string    `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	ParticipantA   string    `gorm:"column:participant_a;size:190;not null;index"`
	ParticipantB   string    `gorm:"column:participant_b;size:190;not null;index"`
	DeletedByA     bool      `gorm:"column:deleted_by_a;not null;default:false"`
	DeletedByB     bool      `gorm:"column:deleted_by_b;not null;default:false"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "private_chats"
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// DeletedBy reports whether userID has soft-hidden this conversation.
func (c Conversation) DeletedBy(userID string) bool {
	switch userID {
	case c.ParticipantA:
		return c.DeletedByA
	case c.ParticipantB:
		return c.DeletedByB
	default:
		return false
	}
}

// Message is one immutable entry in a conversation's append-only log. Seq is
// assigned by the store at commit time and provides the total order within a
// conversation; MessageID is the stable public identifier.
type Message struct {
	Seq            int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	MessageID      string `gorm:"column:message_id;size:190;not null;uniqueIndex"`
	ConversationID string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation_seq,priority:1"`
	SenderID       string `gorm:"column:sender_id;size:190;not null"`
	Text           string `gorm:"column:text;type:text;not null"`
	TimestampMs    int64  `gorm:"column:timestamp_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "private_chat_messages"
}

// Profile is the slice of a user record the chat layer needs to label a
// conversation. Placeholder is set when the underlying account no longer
// exists so the conversation list never loses entries.
type Profile struct {
	UserID      string
	Email       string
	Username    string
	DisplayName string
	AvatarURL   string
	Placeholder bool
}
