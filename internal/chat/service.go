package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mesaj-chat/backend/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew        = "chat.service.new"
	opOpenConversation  = "chat.open_conversation"
	opHideConversation  = "chat.hide_conversation"
	opConversationsFor  = "chat.conversations_for"
	opAppend            = "chat.append"
	opMostRecent        = "chat.most_recent"
	opSubscribeReplay   = "chat.subscribe.replay"
	opWatchConversation = "chat.watch_conversations"
)

// appendIDAttempts bounds the retry loop when a freshly allocated message id
// collides with a stored one.
const appendIDAttempts = 3

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the conversation records and the per-conversation append-only
// message logs, and fans committed appends out to subscribers.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	broker     *broker

	// appendLocks serializes commit+publish per conversation so events reach
	// the broker in sequence order. Appends to different conversations do not
	// contend.
	appendLocks sync.Map
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Wrap(apperr.CodeInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Wrap(apperr.CodeInternal, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		broker:     newBroker(),
	}, nil
}

// OpenConversation ensures a conversation record exists for the pair of users
// and returns it. Creation is idempotent; the record starts with both
// deleted-by flags cleared. Both participants' conversation watchers are
// notified when the record is newly created.
func (s *Service) OpenConversation(ctx context.Context, userA, userB string) (Conversation, error) {
	conversationID, err := DeriveConversationID(userA, userB)
	if err != nil {
		return Conversation{}, err
	}
	first, second, _ := SplitConversationID(conversationID)

	conversation := Conversation{
		ConversationID: conversationID,
		ParticipantA:   first,
		ParticipantB:   second,
	}
	result := s.db.WithContext(ctx).
		Where(Conversation{ConversationID: conversationID}).
		FirstOrCreate(&conversation)
	if result.Error != nil {
		s.logError(opOpenConversation, "store_failed", result.Error, zap.String("conversation_id", conversationID))
		return Conversation{}, apperr.Wrap(apperr.CodeUnavailable, opOpenConversation, "store_failed", result.Error)
	}

	if result.RowsAffected > 0 {
		event := Event{Kind: EventConversationOpened, Conversation: conversation}
		s.broker.publish(topicUserPrefix+first, event)
		s.broker.publish(topicUserPrefix+second, event)
	}
	return conversation, nil
}

// HideConversation sets the caller's soft-hide flag on the conversation. The
// record itself is never removed.
func (s *Service) HideConversation(ctx context.Context, conversationID, userID string) error {
	conversation, err := s.getConversation(ctx, opHideConversation, conversationID)
	if err != nil {
		return err
	}
	var column string
	switch userID {
	case conversation.ParticipantA:
		column = "deleted_by_a"
	case conversation.ParticipantB:
		column = "deleted_by_b"
	default:
		return apperr.New(apperr.CodePermissionDenied, opHideConversation, "user is not a participant")
	}
	err = s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("conversation_id = ?", conversationID).
		Update(column, true).Error
	if err != nil {
		s.logError(opHideConversation, "store_failed", err, zap.String("conversation_id", conversationID))
		return apperr.Wrap(apperr.CodeUnavailable, opHideConversation, "store_failed", err)
	}
	return nil
}

// ConversationsFor lists every conversation the user participates in and has
// not soft-hidden.
func (s *Service) ConversationsFor(ctx context.Context, userID string) ([]Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, opConversationsFor, "user id is required")
	}
	var conversations []Conversation
	err := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("conversation_id ASC").
		Find(&conversations).Error
	if err != nil {
		s.logError(opConversationsFor, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.Wrap(apperr.CodeUnavailable, opConversationsFor, "query_failed", err)
	}
	visible := conversations[:0]
	for _, conversation := range conversations {
		if !conversation.DeletedBy(userID) {
			visible = append(visible, conversation)
		}
	}
	return visible, nil
}

// Append validates and commits one message to the conversation's log, then
// publishes it to active subscribers. The store assigns the sequence number
// and the timestamp; the conversation record is created lazily when this is
// the first message between the pair.
func (s *Service) Append(ctx context.Context, conversationID, senderID, text string) (Message, error) {
	first, second, err := SplitConversationID(conversationID)
	if err != nil {
		return Message{}, err
	}
	if senderID != first && senderID != second {
		return Message{}, apperr.New(apperr.CodePermissionDenied, opAppend, "sender is not a participant")
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, apperr.New(apperr.CodeInvalidArgument, opAppend, "message text is required")
	}

	lock := s.appendLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	var committed Message
	for attempt := 0; attempt < appendIDAttempts; attempt++ {
		messageID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppend, "id_generation_failed", err, zap.String("conversation_id", conversationID))
			return Message{}, apperr.Wrap(apperr.CodeInternal, opAppend, "id_generation_failed", err)
		}
		message := Message{
			MessageID:      messageID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Text:           text,
			TimestampMs:    s.clock().UnixMilli(),
		}
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			conversation := Conversation{
				ConversationID: conversationID,
				ParticipantA:   first,
				ParticipantB:   second,
			}
			if err := tx.Where(Conversation{ConversationID: conversationID}).FirstOrCreate(&conversation).Error; err != nil {
				return err
			}
			return tx.Create(&message).Error
		})
		if txErr == nil {
			committed = message
			break
		}
		if isUniqueViolation(txErr) && attempt < appendIDAttempts-1 {
			s.logger.Warn("message id collision, retrying allocation",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID))
			continue
		}
		s.logError(opAppend, "commit_failed", txErr, zap.String("conversation_id", conversationID))
		return Message{}, apperr.Wrap(apperr.CodeUnavailable, opAppend, "commit_failed", txErr)
	}

	s.broker.publish(topicConversationPrefix+conversationID, Event{
		Kind:    EventMessageAppended,
		Message: committed,
	})
	return committed, nil
}

// MostRecent returns at most n messages from the conversation in commit
// order, newest last. A conversation with no messages yields an empty slice.
func (s *Service) MostRecent(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if _, _, err := SplitConversationID(conversationID); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []Message{}, nil
	}
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(n).
		Find(&messages).Error
	if err != nil {
		s.logError(opMostRecent, "query_failed", err, zap.String("conversation_id", conversationID))
		return nil, apperr.Wrap(apperr.CodeUnavailable, opMostRecent, "query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// Subscribe registers a listener on one conversation's log. Every stored
// message is replayed once in commit order before live appends are delivered;
// the onChange callback is reserved for message mutation and is currently
// never invoked. Registration happens before the replay query so no message
// committed in between is lost; live events overlapping the replay window are
// deduplicated by sequence number.
func (s *Service) Subscribe(conversationID string, onAppend, onChange func(Message)) *Subscription {
	subscription := newSubscription(s.broker, topicConversationPrefix+conversationID, s.logger)
	go func() {
		lastSeq := int64(0)
		var existing []Message
		err := s.db.
			Where("conversation_id = ?", conversationID).
			Order("seq ASC").
			Find(&existing).Error
		if err != nil {
			s.logError(opSubscribeReplay, "query_failed", err, zap.String("conversation_id", conversationID))
		}
		for _, message := range existing {
			select {
			case <-subscription.stream.done:
				return
			default:
			}
			if onAppend != nil {
				subscription.invoke(func(event Event) { onAppend(event.Message) }, Event{Kind: EventMessageAppended, Message: message})
			}
			lastSeq = message.Seq
		}
		subscription.run(func(event Event) {
			switch event.Kind {
			case EventMessageAppended:
				if event.Message.Seq <= lastSeq {
					return
				}
				lastSeq = event.Message.Seq
				if onAppend != nil {
					onAppend(event.Message)
				}
			case EventMessageChanged:
				if onChange != nil {
					onChange(event.Message)
				}
			}
		})
	}()
	return subscription
}

// WatchConversations registers a listener that fires whenever a conversation
// involving the user is newly created.
func (s *Service) WatchConversations(userID string, onOpened func(Conversation)) *Subscription {
	subscription := newSubscription(s.broker, topicUserPrefix+userID, s.logger)
	go subscription.run(func(event Event) {
		if event.Kind == EventConversationOpened && onOpened != nil {
			onOpened(event.Conversation)
		}
	})
	return subscription
}

func (s *Service) appendLock(conversationID string) *sync.Mutex {
	lock, _ := s.appendLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Service) getConversation(ctx context.Context, op, conversationID string) (Conversation, error) {
	var conversation Conversation
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Take(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, apperr.New(apperr.CodeNotFound, op, "conversation not found")
	}
	if err != nil {
		s.logError(op, "query_failed", err, zap.String("conversation_id", conversationID))
		return Conversation{}, apperr.Wrap(apperr.CodeUnavailable, op, "query_failed", err)
	}
	return conversation, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
