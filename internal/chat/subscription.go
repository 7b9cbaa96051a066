package chat

import (
	"sync"

	"go.uber.org/zap"
)

// Subscription is the handle returned by Subscribe and WatchConversations.
// Callbacks for one subscription run on a single goroutine in commit order.
// Cancel is idempotent, may be called from inside a callback, and stops any
// further invocations; a callback already underway is allowed to finish. A
// subscription that falls too far behind the publisher is detached by the
// broker; Done reports either outcome, and resubscribing replays the log.
type Subscription struct {
	topic      string
	stream     *brokerStream
	broker     *broker
	cancelOnce sync.Once
	logger     *zap.Logger
}

func newSubscription(b *broker, topic string, logger *zap.Logger) *Subscription {
	return &Subscription{
		topic:  topic,
		stream: b.register(topic),
		broker: b,
		logger: logger,
	}
}

// Cancel detaches the subscription from the broker and stops the dispatch
// loop. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.broker.unregister(s.topic, s.stream.id)
		s.stream.close()
	})
}

// Done is closed when the subscription ends, by Cancel or because the broker
// detached it as a slow consumer.
func (s *Subscription) Done() <-chan struct{} {
	return s.stream.done
}

// run drains the event stream and hands each event to deliver until the
// subscription is cancelled. It is started once per subscription.
func (s *Subscription) run(deliver func(Event)) {
	for {
		select {
		case <-s.stream.done:
			return
		case event := <-s.stream.events:
			select {
			case <-s.stream.done:
				return
			default:
			}
			s.invoke(deliver, event)
		}
	}
}

// invoke isolates a panicking callback so one bad listener cannot take down
// the dispatch loop or sibling subscriptions.
func (s *Subscription) invoke(deliver func(Event), event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("subscription callback panicked",
				zap.String("topic", s.topic),
				zap.Any("panic", recovered))
		}
	}()
	deliver(event)
}
