// Subscription lifecycle against the event bus and dispatch of incoming
// query events to the classifier and reporter. The dispatch callback runs
// synchronously on whatever goroutine issued the originating query, so it
// does in-memory work only and holds no locks.
package dbtrace

import (
	"fmt"
	"sync"

	"github.com/andrewh/querytap/pkg/eventbus"
	"github.com/rs/zerolog"
)

// Bus is the event bus collaborator the subscriber attaches to.
type Bus interface {
	Subscribe(handlerID string, events []string, fn eventbus.HandlerFunc) error
	Unsubscribe(handlerID string)
}

// Subscription states. Disabled and Detached are terminal: a subscription
// never processes events again once it reaches either.
type subscriptionState int

const (
	stateDisabled subscriptionState = iota
	stateAttached
	stateDetached
)

// Subscriber wires a SubscriptionConfig to a bus and a reporting
// collaborator.
type Subscriber struct {
	cfg      SubscriptionConfig
	bus      Bus
	features FeatureSource
	reporter *SpanReporter
	log      zerolog.Logger
}

// NewSubscriber creates a Subscriber. The config is treated as read-only
// from here on.
func NewSubscriber(cfg SubscriptionConfig, bus Bus, out Reporter, features FeatureSource, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		cfg:      cfg,
		bus:      bus,
		features: features,
		reporter: NewSpanReporter(out, cfg.CollectSQL),
		log:      log,
	}
}

// Start attaches the subscriber to the bus and returns the owned
// Subscription handle. When the instrumentation toggle is off no
// subscription happens and the returned handle is inert; Stop on it is
// still safe.
func (s *Subscriber) Start() (*Subscription, error) {
	if !s.features.InstrumentationEnabled() {
		s.log.Info().Str("app", s.cfg.AppID).Msg("query instrumentation disabled")
		return &Subscription{state: stateDisabled}, nil
	}

	if err := s.bus.Subscribe(s.cfg.HandlerID, s.cfg.Events, s.dispatch); err != nil {
		return nil, fmt.Errorf("subscribing %q: %w", s.cfg.HandlerID, err)
	}

	for repoID, conn := range s.cfg.RepoConfigs {
		s.log.Info().
			Str("repo", repoID).
			Str("host", conn.Hostname).
			Str("database", conn.Database).
			Msg("instrumenting repository")
	}

	return &Subscription{state: stateAttached, bus: s.bus, handlerID: s.cfg.HandlerID}, nil
}

// dispatch is the multiplexed bus callback. Per-event failures are logged
// and never affect other events.
func (s *Subscriber) dispatch(event string, ms eventbus.Measurements, md eventbus.Metadata, tctx eventbus.TraceContext) {
	if err := s.handle(ms, md, tctx); err != nil {
		s.log.Error().
			Err(err).
			Str("event", event).
			Str("repo", md.RepoID).
			Msg("query event not handled")
	}
}

// handle classifies and reports one query-completion event. Events of any
// other kind are ignored without error.
func (s *Subscriber) handle(ms eventbus.Measurements, md eventbus.Metadata, tctx eventbus.TraceContext) error {
	if md.Kind != eventbus.KindQuery {
		return nil
	}

	pq, err := ClassifyQuery(md)
	if err != nil {
		return err
	}

	s.reporter.Report(ms, md, pq, s.cfg.RepoConfigs[md.RepoID], tctx)
	return nil
}

// Subscription is the owned handle for an attached (or inert) subscriber.
// Stop is the only way to release it.
type Subscription struct {
	mu        sync.Mutex
	state     subscriptionState
	bus       Bus
	handlerID string
}

// Active reports whether the subscription is currently attached.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAttached
}

// Stop detaches from the bus. It is idempotent and safe to call on a
// subscription that never attached.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateAttached {
		s.bus.Unsubscribe(s.handlerID)
	}
	s.state = stateDetached
}
