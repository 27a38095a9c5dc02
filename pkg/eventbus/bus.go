// In-process publish/subscribe bus for ORM query lifecycle events.
// Handlers run synchronously on the publishing goroutine; the bus adds no
// buffering and no worker pool of its own.
package eventbus

import (
	"fmt"
	"sync"
)

// KindQuery marks metadata describing a completed database query.
// Events carrying any other kind are not query-completion events.
const KindQuery = "sql_query"

// Measurements holds the numeric payload of a query event.
type Measurements struct {
	QueryTimeNanos int64
}

// Metadata describes the query that produced an event.
// SourceTable is optional; Result is one of the adapter result shapes.
type Metadata struct {
	Kind        string
	RepoID      string
	SourceTable string
	QueryText   string
	Result      any
}

// TraceContext carries the caller's tracing linkage for one event.
// ParentSpanID is empty when no span is active in the calling context.
type TraceContext struct {
	ParentSpanID string
}

// QueryResult is implemented by adapter result shapes. AdapterName returns
// the tag used to select a classifier for the result.
type QueryResult interface {
	AdapterName() string
}

// PostgresResult is the result shape produced by Postgres-style adapters.
// Command is the verb reported by the server, e.g. "select" or "insert".
type PostgresResult struct {
	Command string
	NumRows int
}

func (PostgresResult) AdapterName() string { return "postgres" }

// MySQLResult is the result shape produced by MySQL-style adapters.
// The protocol reports no command verb, so classification falls back to
// the raw SQL text.
type MySQLResult struct {
	NumRows int
}

func (MySQLResult) AdapterName() string { return "mysql" }

// ErrorResult is produced when the adapter returned an error instead of
// a result.
type ErrorResult struct {
	Message string
}

func (ErrorResult) AdapterName() string { return "error" }

// HandlerFunc receives one event. It must be safe to call from arbitrary
// concurrent goroutines and must not block.
type HandlerFunc func(event string, ms Measurements, md Metadata, tctx TraceContext)

// handler is one registered subscription.
type handler struct {
	id     string
	events map[string]bool
	fn     HandlerFunc
}

// InMemoryBus dispatches published events to subscribed handlers.
// The zero value is not usable; call NewInMemoryBus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]*handler
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string]*handler)}
}

// Subscribe registers fn for the given event names under handlerID.
// A handlerID may only be registered once; a second Subscribe with the
// same id fails without altering the existing registration.
func (b *InMemoryBus) Subscribe(handlerID string, events []string, fn HandlerFunc) error {
	if handlerID == "" {
		return fmt.Errorf("handler id must not be empty")
	}
	if len(events) == 0 {
		return fmt.Errorf("handler %q: at least one event name is required", handlerID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[handlerID]; exists {
		return fmt.Errorf("handler %q is already subscribed", handlerID)
	}

	set := make(map[string]bool, len(events))
	for _, ev := range events {
		set[ev] = true
	}
	b.handlers[handlerID] = &handler{id: handlerID, events: set, fn: fn}
	return nil
}

// Unsubscribe removes the handler registered under handlerID.
// Unknown ids are a no-op.
func (b *InMemoryBus) Unsubscribe(handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, handlerID)
}

// Publish delivers one event to every handler subscribed to its name.
// Handlers run synchronously on the calling goroutine, in unspecified
// order.
func (b *InMemoryBus) Publish(event string, ms Measurements, md Metadata, tctx TraceContext) {
	b.mu.RLock()
	matched := make([]HandlerFunc, 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.events[event] {
			matched = append(matched, h.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(event, ms, md, tctx)
	}
}
