package store

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/loom/pkg/models"
)

// subscriberQueueSize bounds each subscriber's pending notifications. When
// the queue is full the oldest pending notification is dropped and logged;
// the log itself is unaffected and consumers recover by re-reading.
const subscriberQueueSize = 256

// notifier fans appended events out to per-thread subscribers. Each
// subscriber gets its own dispatch goroutine and bounded queue so a slow
// handler can never block the store or other subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscriber
	logger *slog.Logger
}

type subscriber struct {
	handler Handler
	queue   chan models.ThreadEvent
	done    chan struct{}
}

func newNotifier(logger *slog.Logger) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier{
		subs:   make(map[string]map[int]*subscriber),
		logger: logger,
	}
}

func (n *notifier) subscribe(threadID string, h Handler) (cancel func()) {
	sub := &subscriber{
		handler: h,
		queue:   make(chan models.ThreadEvent, subscriberQueueSize),
		done:    make(chan struct{}),
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[threadID] == nil {
		n.subs[threadID] = make(map[int]*subscriber)
	}
	n.subs[threadID][id] = sub
	n.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[threadID], id)
			if len(n.subs[threadID]) == 0 {
				delete(n.subs, threadID)
			}
			n.mu.Unlock()
			close(sub.done)
		})
	}
}

// publish enqueues the event for every subscriber of its thread. Insertion
// order is preserved per subscriber because publish is called under the
// store's append serialization.
func (n *notifier) publish(ev models.ThreadEvent) {
	n.mu.Lock()
	targets := make([]*subscriber, 0, len(n.subs[ev.ThreadID]))
	for _, sub := range n.subs[ev.ThreadID] {
		targets = append(targets, sub)
	}
	n.mu.Unlock()

	for _, sub := range targets {
		for {
			select {
			case sub.queue <- ev:
			default:
				// Queue full: drop the oldest pending notification to make
				// room, then retry. Only the notification is lost.
				select {
				case dropped := <-sub.queue:
					n.logger.Warn("store: subscriber queue overflow, dropping notification",
						"thread_id", dropped.ThreadID,
						"event_id", dropped.ID)
				default:
				}
				continue
			}
			break
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for threadID, subs := range n.subs {
		for id, sub := range subs {
			close(sub.done)
			delete(subs, id)
		}
		delete(n.subs, threadID)
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			s.handler(ev)
		}
	}
}
