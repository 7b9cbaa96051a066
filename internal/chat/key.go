package chat

import (
	"strings"

	"github.com/mesaj-chat/backend/internal/apperr"
)

// ConversationIDDelimiter joins the two sorted participant ids. It must never
// appear inside a user id, otherwise two distinct pairs could collide.
const ConversationIDDelimiter = "_"

const opDeriveConversationID = "chat.derive_conversation_id"

// DeriveConversationID returns the canonical conversation id for a pair of
// users: both ids sorted lexicographically and joined with the delimiter.
// The result is the same regardless of argument order, so either participant
// can recompute it without a lookup.
func DeriveConversationID(userA, userB string) (string, error) {
	first := strings.TrimSpace(userA)
	second := strings.TrimSpace(userB)
	if first == "" || second == "" {
		return "", apperr.New(apperr.CodeInvalidArgument, opDeriveConversationID, "both user ids are required")
	}
	if first == second {
		return "", apperr.New(apperr.CodeInvalidArgument, opDeriveConversationID, "user ids must differ")
	}
	if strings.Contains(first, ConversationIDDelimiter) || strings.Contains(second, ConversationIDDelimiter) {
		return "", apperr.New(apperr.CodeInvalidArgument, opDeriveConversationID, "user ids must not contain the delimiter")
	}
	if first > second {
		first, second = second, first
	}
	return first + ConversationIDDelimiter + second, nil
}

// SplitConversationID recovers the two participant ids from a canonical
// conversation id.
func SplitConversationID(conversationID string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(conversationID), ConversationIDDelimiter)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperr.New(apperr.CodeInvalidArgument, opDeriveConversationID, "malformed conversation id")
	}
	return parts[0], parts[1], nil
}

// OtherParticipant returns the participant of conversationID that is not
// selfID.
func OtherParticipant(conversationID, selfID string) (string, error) {
	first, second, err := SplitConversationID(conversationID)
	if err != nil {
		return "", err
	}
	switch selfID {
	case first:
		return second, nil
	case second:
		return first, nil
	default:
		return "", apperr.New(apperr.CodeInvalidArgument, opDeriveConversationID, "user is not a participant")
	}
}
