package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mesaj-chat/backend/internal/apperr"
	"gorm.io/gorm"
)

var testDatabaseCounter int64

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chat_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDatabaseCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Conversation{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

type sequentialIDProvider struct {
	counter int64
}

func (p *sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("msg-%d", atomic.AddInt64(&p.counter, 1)), nil
}

// tickingClock hands out strictly increasing millisecond timestamps so tests
// can assert ordering without sleeping.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickingClock() *tickingClock {
	return &tickingClock{now: time.Unix(1750000000, 0).UTC()}
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      newTickingClock().Now,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestAppendCreatesConversationLazily(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	message, err := service.Append(ctx, "u1_u2", "u1", "hello")
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if message.Seq == 0 {
		t.Fatalf("expected assigned sequence number")
	}
	if message.TimestampMs == 0 {
		t.Fatalf("expected assigned timestamp")
	}

	conversations, err := service.ConversationsFor(ctx, "u2")
	if err != nil {
		t.Fatalf("unexpected listing error: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ConversationID != "u1_u2" {
		t.Fatalf("expected lazily created conversation, got %#v", conversations)
	}
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Append(ctx, "u1_u2", "u3", "hi"); !apperr.IsCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for non-participant, got %v", err)
	}
	if _, err := service.Append(ctx, "u1_u2", "u1", "   "); !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for blank text, got %v", err)
	}
	if _, err := service.Append(ctx, "malformed", "u1", "hi"); !apperr.IsCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for malformed conversation id, got %v", err)
	}
}

func TestMostRecentReturnsNewestLast(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := service.Append(ctx, "u1_u2", "u1", fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
	}

	messages, err := service.MostRecent(ctx, "u1_u2", 3)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	expected := []string{"message 3", "message 4", "message 5"}
	for i, text := range expected {
		if messages[i].Text != text {
			t.Fatalf("expected %q at position %d, got %q", text, i, messages[i].Text)
		}
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].Seq <= messages[i-1].Seq {
			t.Fatalf("expected ascending sequence order, got %d then %d", messages[i-1].Seq, messages[i].Seq)
		}
	}
}

func TestMostRecentEmptyConversation(t *testing.T) {
	service := newTestService(t)

	messages, err := service.MostRecent(context.Background(), "u1_u2", 10)
	if err != nil {
		t.Fatalf("unexpected error for empty conversation: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty slice, got %d messages", len(messages))
	}
}

func TestSubscribeReplaysStoredMessagesThenDeliversLive(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Append(ctx, "u1_u2", "u1", "first"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := service.Append(ctx, "u1_u2", "u2", "second"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	received := make(chan Message, 16)
	subscription := service.Subscribe("u1_u2", func(message Message) {
		received <- message
	}, nil)
	defer subscription.Cancel()

	waitForText(t, received, "first")
	waitForText(t, received, "second")

	if _, err := service.Append(ctx, "u1_u2", "u1", "third"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	waitForText(t, received, "third")
}

func TestSubscribeDeliversInCommitOrderWithoutDuplicates(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	received := make(chan Message, 128)
	subscription := service.Subscribe("u1_u2", func(message Message) {
		received <- message
	}, nil)
	defer subscription.Cancel()

	const messageCount = 40
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		sender := fmt.Sprintf("u%d", i+1)
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for j := 0; j < messageCount/2; j++ {
				if _, err := service.Append(ctx, "u1_u2", sender, fmt.Sprintf("%s says %d", sender, j)); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	lastSeq := int64(0)
	deadline := time.After(5 * time.Second)
	for len(seen) < messageCount {
		select {
		case message := <-received:
			if seen[message.Seq] {
				t.Fatalf("duplicate delivery of seq %d", message.Seq)
			}
			if message.Seq <= lastSeq {
				t.Fatalf("out of order delivery: seq %d after %d", message.Seq, lastSeq)
			}
			seen[message.Seq] = true
			lastSeq = message.Seq
		case <-deadline:
			t.Fatalf("timed out after %d of %d deliveries", len(seen), messageCount)
		}
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	received := make(chan Message, 16)
	subscription := service.Subscribe("u1_u2", func(message Message) {
		received <- message
	}, nil)
	if _, err := service.Append(ctx, "u1_u2", "u1", "before cancel"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	waitForText(t, received, "before cancel")

	subscription.Cancel()
	subscription.Cancel() // cancel is idempotent

	if _, err := service.Append(ctx, "u1_u2", "u1", "after cancel"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	select {
	case message := <-received:
		t.Fatalf("unexpected delivery after cancel: %q", message.Text)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAppendIsNotDelayedByStalledSubscriber(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	stalled := service.Subscribe("u1_u2", func(Message) {
		<-release
	}, nil)
	defer stalled.Cancel()

	healthy := make(chan Message, 128)
	receiver := service.Subscribe("u1_u2", func(message Message) {
		healthy <- message
	}, nil)
	defer receiver.Cancel()

	// Well past the stalled subscriber's buffer capacity.
	const messageCount = 100
	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for i := 0; i < messageCount; i++ {
			if _, err := service.Append(ctx, "u1_u2", "u1", fmt.Sprintf("burst %d", i)); err != nil {
				t.Errorf("append failed: %v", err)
				return
			}
		}
	}()
	select {
	case <-appended:
	case <-time.After(5 * time.Second):
		t.Fatalf("appends stalled behind a slow subscriber")
	}

	select {
	case <-stalled.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the slow subscriber to be detached")
	}

	delivered := 0
	deadline := time.After(5 * time.Second)
	for delivered < messageCount {
		select {
		case <-healthy:
			delivered++
		case <-deadline:
			t.Fatalf("healthy subscriber received %d of %d messages", delivered, messageCount)
		}
	}
}

func TestSubscriberPanicDoesNotAffectOthers(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	panicking := service.Subscribe("u1_u2", func(message Message) {
		panic("listener exploded")
	}, nil)
	defer panicking.Cancel()

	received := make(chan Message, 16)
	healthy := service.Subscribe("u1_u2", func(message Message) {
		received <- message
	}, nil)
	defer healthy.Cancel()

	if _, err := service.Append(ctx, "u1_u2", "u1", "still flowing"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	waitForText(t, received, "still flowing")
}

func TestOpenConversationIsIdempotentAndNotifiesWatchers(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	opened := make(chan Conversation, 4)
	watcher := service.WatchConversations("u2", func(conversation Conversation) {
		opened <- conversation
	})
	defer watcher.Cancel()

	first, err := service.OpenConversation(ctx, "u2", "u1")
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if first.ConversationID != "u1_u2" {
		t.Fatalf("expected canonical conversation id, got %s", first.ConversationID)
	}

	select {
	case conversation := <-opened:
		if conversation.ConversationID != "u1_u2" {
			t.Fatalf("watcher saw unexpected conversation %s", conversation.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for open notification")
	}

	second, err := service.OpenConversation(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected same conversation record")
	}
	select {
	case <-opened:
		t.Fatalf("re-opening an existing conversation must not notify watchers")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHideConversationFiltersListing(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.OpenConversation(ctx, "u1", "u2"); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if err := service.HideConversation(ctx, "u1_u2", "u1"); err != nil {
		t.Fatalf("unexpected hide error: %v", err)
	}

	hidden, err := service.ConversationsFor(ctx, "u1")
	if err != nil {
		t.Fatalf("unexpected listing error: %v", err)
	}
	if len(hidden) != 0 {
		t.Fatalf("expected hidden conversation to be filtered, got %#v", hidden)
	}

	visible, err := service.ConversationsFor(ctx, "u2")
	if err != nil {
		t.Fatalf("unexpected listing error: %v", err)
	}
	if len(visible) != 1 {
		t.Fatalf("expected conversation still visible to the other participant")
	}

	if err := service.HideConversation(ctx, "u1_u2", "u3"); !apperr.IsCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for non-participant, got %v", err)
	}
	if err := service.HideConversation(ctx, "u8_u9", "u8"); !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found for unknown conversation, got %v", err)
	}
}

func waitForText(t *testing.T, received <-chan Message, text string) {
	t.Helper()
	select {
	case message := <-received:
		if message.Text != text {
			t.Fatalf("expected %q, got %q", text, message.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", text)
	}
}
