package events

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yokitheyo/ytscribe/internal/model"
)

const (
	publishBuffer    = 256
	subscriberBuffer = 16
)

// Hub fans progress snapshots out to per-task subscribers. All topic
// bookkeeping happens on the Run goroutine.
type Hub struct {
	topics map[string]map[chan []byte]struct{}

	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan message
	done        chan struct{}

	dropped atomic.Int64
	log     *zap.Logger
}

type subscription struct {
	topic string
	ch    chan []byte
}

type message struct {
	topic   string
	payload []byte
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		topics:      make(map[string]map[chan []byte]struct{}),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan message, publishBuffer),
		done:        make(chan struct{}),
		log:         log.Named("events"),
	}
}

// Run serves subscriptions and publications until ctx is done. Subscriber
// channels are closed on exit.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for _, subs := range h.topics {
			for ch := range subs {
				close(ch)
			}
		}
		h.topics = nil
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-h.subscribe:
			subs, ok := h.topics[s.topic]
			if !ok {
				subs = make(map[chan []byte]struct{})
				h.topics[s.topic] = subs
			}
			subs[s.ch] = struct{}{}
		case s := <-h.unsubscribe:
			if subs, ok := h.topics[s.topic]; ok {
				if _, ok := subs[s.ch]; ok {
					delete(subs, s.ch)
					close(s.ch)
				}
				if len(subs) == 0 {
					delete(h.topics, s.topic)
				}
			}
		case m := <-h.publish:
			for ch := range h.topics[m.topic] {
				select {
				case ch <- m.payload:
				default:
					// slow reader, it will catch up from the next snapshot
					h.dropped.Add(1)
				}
			}
		}
	}
}

// Subscribe registers interest in one task. The returned channel is closed
// after cancel is called or when the hub stops.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)
	select {
	case h.subscribe <- subscription{topic: topic, ch: ch}:
	case <-h.done:
		close(ch)
		return ch, func() {}
	}

	cancel := func() {
		select {
		case h.unsubscribe <- subscription{topic: topic, ch: ch}:
		case <-h.done:
		}
	}
	return ch, cancel
}

// Publish queues payload for the topic's subscribers without blocking.
func (h *Hub) Publish(topic string, payload []byte) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.publish <- message{topic: topic, payload: payload}:
	default:
		h.dropped.Add(1)
		h.log.Debug("publish buffer full, dropping event", zap.String("task_id", topic))
	}
}

// TaskUpdated publishes the polling view of task to its subscribers.
func (h *Hub) TaskUpdated(task model.Task) {
	payload, err := json.Marshal(task.ProgressView())
	if err != nil {
		h.log.Error("encode progress event", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	h.Publish(task.ID, payload)
}

// Dropped counts events discarded because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
