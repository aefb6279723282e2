package events

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/logging"
)

// Handler observes one event. A returned error or a panic is logged and
// does not reach the emitter or other handlers.
type Handler func(Payload) error

// HandlerID identifies a subscription for Off.
type HandlerID uint64

type subscription struct {
	id HandlerID
	fn Handler
}

// Bus is a synchronous in-process publish/subscribe channel. Emit runs on
// the caller's goroutine, so handlers must be quick.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	global   []subscription
	nextID   HandlerID
	log      logrus.FieldLogger
}

// NewBus returns an empty bus logging handler failures to log.
func NewBus(log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logging.Discard()
	}
	return &Bus{handlers: map[EventType][]subscription{}, log: log}
}

// On subscribes fn to events of type t.
func (b *Bus) On(t EventType, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// OnAll subscribes fn to every event type. Global handlers run after the
// type-specific ones.
func (b *Bus) OnAll(fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.global = append(b.global, subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes the type-specific handler id from t, reporting whether
// anything was removed.
func (b *Bus) Off(t EventType, id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, removed := without(b.handlers[t], id)
	if removed {
		if len(subs) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = subs
		}
	}
	return removed
}

// OffAll removes a global handler.
func (b *Bus) OffAll(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed bool
	b.global, removed = without(b.global, id)
	return removed
}

func without(subs []subscription, id HandlerID) ([]subscription, bool) {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...), true
		}
	}
	return subs, false
}

// Emit delivers p to every handler for p.EventType, then to every global
// handler, in registration order.
func (b *Bus) Emit(p Payload) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[p.EventType])+len(b.global))
	subs = append(subs, b.handlers[p.EventType]...)
	subs = append(subs, b.global...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.call(s.fn, p); err != nil {
			b.log.WithFields(logrus.Fields{
				"event":       p.EventType,
				"workflow_id": p.WorkflowID,
				"stage":       p.StageName,
				"handler":     s.id,
			}).WithError(err).Warn("event handler failed")
		}
	}
}

func (b *Bus) call(fn Handler, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(p)
}

// HandlerCount returns the number of handlers subscribed to the given
// types, or with no arguments the total across all types plus global
// handlers.
func (b *Bus) HandlerCount(types ...EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(types) == 0 {
		n := len(b.global)
		for _, subs := range b.handlers {
			n += len(subs)
		}
		return n
	}
	n := 0
	for _, t := range types {
		n += len(b.handlers[t])
	}
	return n
}

// LogHandler writes each event to log. Failures log at warn level.
func LogHandler(log logrus.FieldLogger) Handler {
	return func(p Payload) error {
		entry := log.WithFields(logrus.Fields{
			"event":       p.EventType,
			"workflow_id": p.WorkflowID,
			"progress":    p.ProgressPercent(),
		})
		if p.StageName != "" {
			entry = entry.WithField("stage", p.StageName)
		}
		switch p.EventType {
		case StageFailed, WorkflowFailed:
			entry.WithField("error", p.Error).Warn(p.Message)
		case StageSkipped:
			entry.WithField("reason", p.SkipReason).Info(p.Message)
		default:
			entry.Info(p.Message)
		}
		return nil
	}
}
