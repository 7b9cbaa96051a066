package chat

import (
	"sync"
)

// EventKind discriminates broker events.
type EventKind string

const (
	// EventMessageAppended fires once per committed message.
	EventMessageAppended EventKind = "message-appended"
	// EventMessageChanged is reserved for mutation of an existing message.
	// Messages are immutable today, so nothing publishes it yet.
	EventMessageChanged EventKind = "message-changed"
	// EventConversationOpened fires when a conversation record is created.
	EventConversationOpened EventKind = "conversation-opened"
)

const (
	topicConversationPrefix = "conv/"
	topicUserPrefix         = "user/"
)

// Event is the unit of fan-out between the message log and its subscribers.
type Event struct {
	Kind         EventKind
	Message      Message
	Conversation Conversation
}

// broker fans events out to registered subscribers, keyed by topic. Each
// subscriber owns a buffered stream and publish never blocks: a subscriber
// whose buffer is full is detached instead, so a stalled consumer cannot
// hold up the commit path. Detached subscribers resubscribe and recover the
// missed events from the log replay.
type broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*brokerStream
	nextID      int64
	bufferSize  int
}

type brokerStream struct {
	id        int64
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *brokerStream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func newBroker() *broker {
	return &broker{
		subscribers: make(map[string]map[int64]*brokerStream),
		bufferSize:  64,
	}
}

func (b *broker) register(topic string) *brokerStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	stream := &brokerStream{
		id:     b.nextID,
		events: make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*brokerStream)
	}
	b.subscribers[topic][stream.id] = stream
	return stream
}

func (b *broker) unregister(topic string, streamID int64) {
	b.mu.Lock()
	streams := b.subscribers[topic]
	if streams != nil {
		delete(streams, streamID)
		if len(streams) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}

func (b *broker) publish(topic string, event Event) {
	b.mu.RLock()
	streams := b.subscribers[topic]
	if len(streams) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*brokerStream, 0, len(streams))
	for _, stream := range streams {
		copies = append(copies, stream)
	}
	b.mu.RUnlock()
	for _, stream := range copies {
		select {
		case stream.events <- event:
		default:
			// The subscriber cannot keep up; detach it rather than stall
			// the publisher.
			b.unregister(topic, stream.id)
			stream.close()
		}
	}
}
