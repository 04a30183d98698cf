// Package bus is the in-process event fan-out between the dispatch core and
// its push consumers (dashboard, cleaner app, customer app). Delivery is
// fire-and-forget: publishing never blocks the caller, handler panics are
// recovered and logged, and a full buffer drops the event with a warning.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brighthome/dispatch/logger"
)

// EventType identifies one kind of domain event.
type EventType string

const (
	JobCreated   EventType = "JOB_CREATED"
	JobAssigned  EventType = "JOB_ASSIGNED"
	JobStarted   EventType = "JOB_STARTED"
	JobPaused    EventType = "JOB_PAUSED"
	JobResumed   EventType = "JOB_RESUMED"
	JobCompleted EventType = "JOB_COMPLETED"
	JobCancelled EventType = "JOB_CANCELLED"
	JobFailed    EventType = "JOB_FAILED"
	JobDelayed   EventType = "JOB_DELAYED"

	CleanerOnline        EventType = "CLEANER_ONLINE"
	CleanerOffline       EventType = "CLEANER_OFFLINE"
	CleanerStatusChanged EventType = "CLEANER_STATUS_CHANGED"
	CleanerOfflineAlert  EventType = "CLEANER_OFFLINE_ALERT"

	StatsUpdated EventType = "STATS_UPDATED"
	AdminAlert   EventType = "ADMIN_ALERT"
)

// Event is one published domain event. Payload values must be
// JSON-compatible; timestamps are UTC.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// JSON renders the event for push consumers.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Handler consumes one event. Handlers run on the dispatcher goroutine;
// long work should be offloaded by the subscriber.
type Handler func(Event)

type subscriber struct {
	id      int
	handler Handler
}

// Bus fans events out to typed and catch-all subscribers.
type Bus struct {
	mu         sync.RWMutex
	nextID     int
	byType     map[EventType][]subscriber
	catchAll   []subscriber
	events     chan Event
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
	log        *zap.SugaredLogger
}

// DefaultBufferSize bounds the publish queue. Publishing to a full queue
// drops the event rather than blocking a transition.
const DefaultBufferSize = 256

// New creates a bus and starts its dispatcher goroutine.
func New() *Bus {
	return NewWithBuffer(DefaultBufferSize)
}

// NewWithBuffer creates a bus with an explicit queue size.
func NewWithBuffer(size int) *Bus {
	b := &Bus{
		byType: make(map[EventType][]subscriber),
		events: make(chan Event, size),
		done:   make(chan struct{}),
		log:    logger.ComponentLogger("bus"),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type and returns an id
// usable with Unsubscribe.
func (b *Bus) Subscribe(t EventType, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byType[t] = append(b.byType[t], subscriber{id: b.nextID, handler: h})
	return b.nextID
}

// SubscribeAll registers a catch-all handler.
func (b *Bus) SubscribeAll(h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.catchAll = append(b.catchAll, subscriber{id: b.nextID, handler: h})
	return b.nextID
}

// Unsubscribe removes a handler by its subscription id.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.byType {
		b.byType[t] = removeSubscriber(subs, id)
	}
	b.catchAll = removeSubscriber(b.catchAll, id)
}

func removeSubscriber(subs []subscriber, id int) []subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish enqueues an event. It never blocks: if the buffer is full or the
// bus is closed the event is dropped with a warning.
func (b *Bus) Publish(t EventType, payload map[string]interface{}) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	select {
	case <-b.done:
		b.log.Warnw("Event dropped, bus closed", "type", t)
	default:
		select {
		case b.events <- event:
		default:
			b.log.Warnw("Event dropped, buffer full",
				"type", t,
				"buffer", cap(b.events))
		}
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case event := <-b.events:
					b.deliver(event)
				default:
					return
				}
			}
		case event := <-b.events:
			b.deliver(event)
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	typed := make([]subscriber, len(b.byType[event.Type]))
	copy(typed, b.byType[event.Type])
	all := make([]subscriber, len(b.catchAll))
	copy(all, b.catchAll)
	b.mu.RUnlock()

	for _, s := range typed {
		b.safeCall(s.handler, event)
	}
	for _, s := range all {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorw("Event handler panicked",
				"type", event.Type,
				"event_id", event.ID,
				"panic", r)
		}
	}()
	h(event)
}

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}
