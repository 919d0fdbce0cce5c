// Package lifecycle validates and records order lifecycle transitions
// against a fixed adjacency table. Transitions are pure validation plus
// delegated I/O; the table is exhaustive and explicit so every legal path is
// independently testable and no state is reachable only by bugs.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
)

// successors is the full transition table. States missing from a successor
// set are rejected; terminal states map to an empty set.
var successors = map[fulfillment.OrderState][]fulfillment.OrderState{
	fulfillment.StatePending:            {fulfillment.StatePaymentReceived},
	fulfillment.StatePaymentReceived:    {fulfillment.StateFulfillmentStarted, fulfillment.StateRefundNeeded},
	fulfillment.StateFulfillmentStarted: {fulfillment.StateProviderConfirmed, fulfillment.StateProviderFailed, fulfillment.StatePendingManual},
	fulfillment.StateProviderConfirmed:  {fulfillment.StateEmailSent, fulfillment.StateDelivered},
	fulfillment.StateEmailSent:          {fulfillment.StateDelivered},
	fulfillment.StateDelivered:          {},
	fulfillment.StateProviderFailed:     {fulfillment.StateRefundNeeded, fulfillment.StateFulfillmentStarted, fulfillment.StatePendingManual},
	fulfillment.StatePendingManual:      {fulfillment.StateProviderConfirmed, fulfillment.StateRefundNeeded},
	fulfillment.StateRefundNeeded:       {fulfillment.StateRefunded},
	fulfillment.StateRefunded:           {},
	fulfillment.StateCompleted:          {},
	fulfillment.StateFailed:             {},
}

// alertStates trigger an operator notification when entered.
var alertStates = map[fulfillment.OrderState]bool{
	fulfillment.StateProviderFailed: true,
	fulfillment.StatePendingManual:  true,
	fulfillment.StateRefundNeeded:   true,
	fulfillment.StateFailed:         true,
}

const defaultAuditLimit = 128

// IsTerminal reports whether state has an empty successor set.
func IsTerminal(state fulfillment.OrderState) bool {
	next, known := successors[state]
	return known && len(next) == 0
}

// Allowed returns the successor set for state; nil for unknown states.
func Allowed(state fulfillment.OrderState) []fulfillment.OrderState {
	next, ok := successors[state]
	if !ok {
		return nil
	}
	out := make([]fulfillment.OrderState, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from→to is in the adjacency table.
func CanTransition(from, to fulfillment.OrderState) bool {
	for _, candidate := range successors[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Event is one recorded transition.
type Event struct {
	OrderID       string
	CorrelationID string
	From          fulfillment.OrderState
	To            fulfillment.OrderState
	Metadata      map[string]any
	At            time.Time
}

// Request describes one attempted transition.
type Request struct {
	OrderID       string
	CorrelationID string
	Target        fulfillment.OrderState
	Metadata      map[string]any
}

// Result reports a committed transition.
type Result struct {
	Previous fulfillment.OrderState
	Current  fulfillment.OrderState
	Event    Event
}

// Machine validates transitions and delegates persistence to the injected
// store. One Machine serves many orders; per-call state lives in the request.
type Machine struct {
	store    fulfillment.OrderStore
	notifier fulfillment.Notifier
	clock    fulfillment.Clock
	logger   fulfillment.Logger

	auditLimit int
	onNotify   func(error)

	mu    sync.Mutex
	audit []Event
}

// Option customizes machine behavior.
type Option func(*Machine)

// WithNotifier sets the alert-state notification collaborator.
func WithNotifier(n fulfillment.Notifier) Option {
	return func(m *Machine) { m.notifier = n }
}

// WithClock sets the time source.
func WithClock(c fulfillment.Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the machine logger.
func WithLogger(l fulfillment.Logger) Option {
	return func(m *Machine) { m.logger = fulfillment.NormalizeLogger(l) }
}

// WithAuditLimit bounds the retained transition history.
func WithAuditLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.auditLimit = n
		}
	}
}

// WithNotifyObserver receives the outcome of each async alert dispatch, nil
// on success. Lets tests assert on best-effort notification deterministically.
func WithNotifyObserver(fn func(error)) Option {
	return func(m *Machine) {
		if fn != nil {
			m.onNotify = fn
		}
	}
}

// NewMachine constructs a state machine over the given order store.
func NewMachine(store fulfillment.OrderStore, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		clock:      fulfillment.SystemClock(),
		logger:     fulfillment.NewFmtLogger(nil),
		auditLimit: defaultAuditLimit,
		onNotify:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Transition moves an order to req.Target when the adjacency table allows
// it. Rejections and persistence failures come back as structured errors;
// the persisted state is left unchanged on any failure.
func (m *Machine) Transition(ctx context.Context, req Request) (*Result, error) {
	fields := map[string]any{
		"order_id":       req.OrderID,
		"correlation_id": req.CorrelationID,
		"target_state":   string(req.Target),
	}
	logger := fulfillment.WithLoggerFields(m.logger.WithContext(ctx), fields)

	current, err := m.store.LoadState(ctx, req.OrderID)
	if err != nil {
		logger.Error("transition load failed: %v", err)
		return nil, cloneError(ErrLoadFailed, "", err, fields)
	}
	fields["current_state"] = string(current)

	if IsTerminal(current) {
		logger.Warn("transition rejected: %s is terminal", current)
		return nil, cloneError(ErrTerminalState, "", nil, fields)
	}
	if !CanTransition(current, req.Target) {
		logger.Warn("transition rejected: %s -> %s not allowed", current, req.Target)
		return nil, cloneError(ErrInvalidTransition, "", nil, fields)
	}

	if err := m.store.PersistState(ctx, req.OrderID, req.Target, req.Metadata); err != nil {
		logger.Error("transition persist failed: %v", err)
		return nil, cloneError(ErrPersistFailed, "", err, fields)
	}

	event := Event{
		OrderID:       req.OrderID,
		CorrelationID: req.CorrelationID,
		From:          current,
		To:            req.Target,
		Metadata:      req.Metadata,
		At:            m.clock.Now(),
	}
	m.appendAudit(event)
	logger.Info("transition committed %s -> %s", current, req.Target)

	if alertStates[req.Target] && m.notifier != nil {
		go m.dispatchAlert(event)
	}

	return &Result{Previous: current, Current: req.Target, Event: event}, nil
}

// History returns the retained transition events, oldest first.
func (m *Machine) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *Machine) appendAudit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, event)
	if len(m.audit) > m.auditLimit {
		m.audit = m.audit[len(m.audit)-m.auditLimit:]
	}
}

// dispatchAlert notifies operators about an alert-state entry. Runs detached
// from the request: notification failure is observed and logged, never fails
// the transition.
func (m *Machine) dispatchAlert(event Event) {
	defer fulfillment.MakePanicHandler(m.logger)("lifecycle.dispatchAlert", map[string]any{"order": event.OrderID})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.notifier.Send(ctx, fulfillment.Notification{
		Title:    "order entered " + string(event.To),
		Body:     "order " + event.OrderID + " moved " + string(event.From) + " -> " + string(event.To) + " (correlation " + event.CorrelationID + ")",
		Severity: severityFor(event.To),
	})
	if err != nil {
		m.logger.Warn("alert notification failed for order %s: %v", event.OrderID, err)
	}
	m.onNotify(err)
}

func severityFor(state fulfillment.OrderState) fulfillment.Severity {
	switch state {
	case fulfillment.StateProviderFailed, fulfillment.StateFailed:
		return fulfillment.SeverityCritical
	default:
		return fulfillment.SeverityWarning
	}
}
