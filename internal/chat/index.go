package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/mesaj-chat/backend/internal/apperr"
	"go.uber.org/zap"
)

const (
	opIndexNew   = "chat.index.new"
	opIndexStart = "chat.index.start"
	opSnapshot   = "chat.index.snapshot"
)

// ProfileResolver resolves the profile attached to a conversation row. An
// implementation must return a placeholder profile, not an error, when the
// account no longer exists, so the conversation list never loses entries.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, userID string) (Profile, error)
}

// IndexRow is one entry of a user's conversation list: the conversation, the
// other participant, and a snapshot of the most recent message.
type IndexRow struct {
	ConversationID       string
	OtherUserID          string
	OtherProfile         Profile
	LastMessageText      string
	LastMessageTimestamp int64
	LastMessageSeq       int64
	LastMessageIsMine    bool
}

// IndexConfig describes the dependencies of a conversation index instance.
type IndexConfig struct {
	UserID   string
	Service  *Service
	Profiles ProfileResolver
	Logger   *zap.Logger
	// OnSnapshot receives the full sorted row set after every change. It runs
	// on the index's dispatch path and must not block.
	OnSnapshot func([]IndexRow)
}

// Index maintains the live, sorted conversation list for one signed-in user.
// It owns one log subscription per conversation plus a watcher for newly
// opened conversations; Close releases all of them exactly once.
type Index struct {
	userID   string
	service  *Service
	profiles ProfileResolver
	logger   *zap.Logger
	emit     func([]IndexRow)

	mu            sync.Mutex
	rows          map[string]IndexRow
	subscriptions map[string]*Subscription
	watcher       *Subscription
	closed        bool
}

// NewIndex constructs an index; Start attaches it to the stores.
func NewIndex(cfg IndexConfig) (*Index, error) {
	if cfg.UserID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, opIndexNew, "user id is required")
	}
	if cfg.Service == nil {
		return nil, apperr.New(apperr.CodeInternal, opIndexNew, "chat service is required")
	}
	if cfg.Profiles == nil {
		return nil, apperr.New(apperr.CodeInternal, opIndexNew, "profile resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	emit := cfg.OnSnapshot
	if emit == nil {
		emit = func([]IndexRow) {}
	}
	return &Index{
		userID:        cfg.UserID,
		service:       cfg.Service,
		profiles:      cfg.Profiles,
		logger:        logger,
		emit:          emit,
		rows:          make(map[string]IndexRow),
		subscriptions: make(map[string]*Subscription),
	}, nil
}

// Start enumerates the user's visible conversations, attaches a log
// subscription to each, and begins watching for newly opened conversations.
// Rows appear as message replay/append events arrive; a conversation with no
// messages produces no row.
func (ix *Index) Start(ctx context.Context) error {
	conversations, err := ix.service.ConversationsFor(ctx, ix.userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeOf(err), opIndexStart, "enumerate_failed", err)
	}

	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return apperr.New(apperr.CodeInternal, opIndexStart, "index already closed")
	}
	ix.watcher = ix.service.WatchConversations(ix.userID, ix.onConversationOpened)
	ix.mu.Unlock()

	for _, conversation := range conversations {
		ix.attach(conversation)
	}
	return nil
}

// Snapshot returns the current sorted row set.
func (ix *Index) Snapshot() []IndexRow {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.sortedRowsLocked()
}

// Close cancels every subscription owned by the index. Idempotent; no
// snapshot is emitted after Close returns.
func (ix *Index) Close() {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	ix.closed = true
	subscriptions := make([]*Subscription, 0, len(ix.subscriptions)+1)
	for _, subscription := range ix.subscriptions {
		subscriptions = append(subscriptions, subscription)
	}
	if ix.watcher != nil {
		subscriptions = append(subscriptions, ix.watcher)
	}
	ix.subscriptions = make(map[string]*Subscription)
	ix.watcher = nil
	ix.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.Cancel()
	}
}

func (ix *Index) onConversationOpened(conversation Conversation) {
	if conversation.DeletedBy(ix.userID) {
		return
	}
	ix.attach(conversation)
}

func (ix *Index) attach(conversation Conversation) {
	otherUserID, err := OtherParticipant(conversation.ConversationID, ix.userID)
	if err != nil {
		ix.logger.Warn("skipping conversation with malformed id",
			zap.String("conversation_id", conversation.ConversationID),
			zap.Error(err))
		return
	}
	conversationID := conversation.ConversationID
	// The profile is resolved per event, not once at attach, so display-name
	// and avatar changes reach long-lived streams.
	subscription := ix.service.Subscribe(conversationID, func(message Message) {
		profile := ix.resolveProfile(context.Background(), otherUserID)
		ix.applyMessage(conversationID, otherUserID, profile, message)
	}, nil)

	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		subscription.Cancel()
		return
	}
	if _, ok := ix.subscriptions[conversationID]; ok {
		// A duplicate attach can happen when an eagerly opened conversation
		// is also enumerated at start; keep one listener.
		ix.mu.Unlock()
		subscription.Cancel()
		return
	}
	ix.subscriptions[conversationID] = subscription
	ix.mu.Unlock()
}

// resolveProfile never fails the row: a missing or unreachable account
// degrades to a placeholder profile.
func (ix *Index) resolveProfile(ctx context.Context, userID string) Profile {
	profile, err := ix.profiles.ResolveProfile(ctx, userID)
	if err != nil {
		ix.logger.Warn("profile resolution failed, using placeholder",
			zap.String("user_id", userID),
			zap.Error(err))
		return PlaceholderProfile(userID)
	}
	return profile
}

// applyMessage upserts the row for one conversation under last-write-wins by
// timestamp (sequence breaks ties), re-sorts, and emits the full snapshot.
// Updates to different rows are independent; the mutex only serializes the
// row map and the emission so observers never see interleaved partial states.
func (ix *Index) applyMessage(conversationID, otherUserID string, profile Profile, message Message) {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return
	}
	if existing, ok := ix.rows[conversationID]; ok {
		if message.TimestampMs < existing.LastMessageTimestamp {
			ix.mu.Unlock()
			return
		}
		if message.TimestampMs == existing.LastMessageTimestamp && message.Seq <= existing.LastMessageSeq {
			ix.mu.Unlock()
			return
		}
	}
	ix.rows[conversationID] = IndexRow{
		ConversationID:       conversationID,
		OtherUserID:          otherUserID,
		OtherProfile:         profile,
		LastMessageText:      message.Text,
		LastMessageTimestamp: message.TimestampMs,
		LastMessageSeq:       message.Seq,
		LastMessageIsMine:    message.SenderID == ix.userID,
	}
	snapshot := ix.sortedRowsLocked()
	ix.mu.Unlock()

	ix.emit(snapshot)
}

func (ix *Index) sortedRowsLocked() []IndexRow {
	snapshot := make([]IndexRow, 0, len(ix.rows))
	for _, row := range ix.rows {
		snapshot = append(snapshot, row)
	}
	sortIndexRows(snapshot)
	return snapshot
}

// sortIndexRows orders rows by last-message timestamp descending, breaking
// ties by conversation id ascending for determinism.
func sortIndexRows(rows []IndexRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].LastMessageTimestamp != rows[j].LastMessageTimestamp {
			return rows[i].LastMessageTimestamp > rows[j].LastMessageTimestamp
		}
		return rows[i].ConversationID < rows[j].ConversationID
	})
}

// PlaceholderProfile stands in for an account that cannot be resolved.
func PlaceholderProfile(userID string) Profile {
	return Profile{
		UserID:      userID,
		DisplayName: "Unknown user",
		Placeholder: true,
	}
}

// SnapshotFor assembles the sorted conversation list for a user without
// holding live subscriptions: one row per visible conversation that has at
// least one message. It backs the non-streaming list endpoint.
func (s *Service) SnapshotFor(ctx context.Context, userID string, profiles ProfileResolver) ([]IndexRow, error) {
	if profiles == nil {
		return nil, apperr.New(apperr.CodeInternal, opSnapshot, "profile resolver is required")
	}
	conversations, err := s.ConversationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	rows := make([]IndexRow, 0, len(conversations))
	for _, conversation := range conversations {
		otherUserID, err := OtherParticipant(conversation.ConversationID, userID)
		if err != nil {
			continue
		}
		latest, err := s.MostRecent(ctx, conversation.ConversationID, 1)
		if err != nil {
			return nil, err
		}
		if len(latest) == 0 {
			continue
		}
		profile, err := profiles.ResolveProfile(ctx, otherUserID)
		if err != nil {
			profile = PlaceholderProfile(otherUserID)
		}
		message := latest[0]
		rows = append(rows, IndexRow{
			ConversationID:       conversation.ConversationID,
			OtherUserID:          otherUserID,
			OtherProfile:         profile,
			LastMessageText:      message.Text,
			LastMessageTimestamp: message.TimestampMs,
			LastMessageSeq:       message.Seq,
			LastMessageIsMine:    message.SenderID == userID,
		})
	}
	sortIndexRows(rows)
	return rows, nil
}
