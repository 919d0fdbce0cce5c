package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
)

type fakeStore struct {
	mu         sync.Mutex
	states     map[string]fulfillment.OrderState
	persistErr error
	loadErr    error
	persists   int
}

func newFakeStore(seed map[string]fulfillment.OrderState) *fakeStore {
	if seed == nil {
		seed = map[string]fulfillment.OrderState{}
	}
	return &fakeStore{states: seed}
}

func (s *fakeStore) LoadState(_ context.Context, orderID string) (fulfillment.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return "", s.loadErr
	}
	return s.states[orderID], nil
}

func (s *fakeStore) PersistState(_ context.Context, orderID string, state fulfillment.OrderState, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	s.persists++
	s.states[orderID] = state
	return nil
}

func (s *fakeStore) current(orderID string) fulfillment.OrderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[orderID]
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []fulfillment.Notification
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, notification fulfillment.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var allStates = []fulfillment.OrderState{
	fulfillment.StatePending,
	fulfillment.StatePaymentReceived,
	fulfillment.StateFulfillmentStarted,
	fulfillment.StateProviderConfirmed,
	fulfillment.StateEmailSent,
	fulfillment.StateDelivered,
	fulfillment.StateProviderFailed,
	fulfillment.StatePendingManual,
	fulfillment.StateRefundNeeded,
	fulfillment.StateRefunded,
	fulfillment.StateCompleted,
	fulfillment.StateFailed,
}

func TestTransitionRejectsEveryPairOutsideTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			if CanTransition(from, to) {
				continue
			}
			store := newFakeStore(map[string]fulfillment.OrderState{"o-1": from})
			m := NewMachine(store)
			_, err := m.Transition(context.Background(), Request{OrderID: "o-1", Target: to})
			if err == nil {
				t.Fatalf("expected rejection for %s -> %s", from, to)
			}
			if !IsInvalidTransition(err) {
				t.Fatalf("expected invalid-transition error for %s -> %s, got %v", from, to, err)
			}
			if store.current("o-1") != from {
				t.Fatalf("persisted state changed on rejected %s -> %s", from, to)
			}
			if store.persists != 0 {
				t.Fatalf("persist called on rejected %s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatesRejectAnyTarget(t *testing.T) {
	terminals := []fulfillment.OrderState{
		fulfillment.StateDelivered,
		fulfillment.StateRefunded,
		fulfillment.StateCompleted,
		fulfillment.StateFailed,
	}
	for _, terminal := range terminals {
		if !IsTerminal(terminal) {
			t.Fatalf("expected %s to be terminal", terminal)
		}
		for _, to := range allStates {
			store := newFakeStore(map[string]fulfillment.OrderState{"o-1": terminal})
			m := NewMachine(store)
			if _, err := m.Transition(context.Background(), Request{OrderID: "o-1", Target: to}); err == nil {
				t.Fatalf("expected rejection from terminal %s to %s", terminal, to)
			}
		}
	}
}

func TestTransitionCommitsAllowedPath(t *testing.T) {
	store := newFakeStore(map[string]fulfillment.OrderState{"o-1": fulfillment.StatePaymentReceived})
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewMachine(store, WithClock(fulfillment.ClockFunc(func() time.Time { return now })))

	res, err := m.Transition(context.Background(), Request{
		OrderID:       "o-1",
		CorrelationID: "corr-1",
		Target:        fulfillment.StateFulfillmentStarted,
		Metadata:      map[string]any{"source": "webhook"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Previous != fulfillment.StatePaymentReceived || res.Current != fulfillment.StateFulfillmentStarted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.current("o-1") != fulfillment.StateFulfillmentStarted {
		t.Fatalf("state not persisted")
	}
	if !res.Event.At.Equal(now) {
		t.Fatalf("event timestamp not taken from clock")
	}

	history := m.History()
	if len(history) != 1 || history[0].CorrelationID != "corr-1" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestTransitionReportsPersistFailure(t *testing.T) {
	store := newFakeStore(map[string]fulfillment.OrderState{"o-1": fulfillment.StatePaymentReceived})
	store.persistErr = errors.New("write refused")
	m := NewMachine(store)

	_, err := m.Transition(context.Background(), Request{OrderID: "o-1", Target: fulfillment.StateFulfillmentStarted})
	if err == nil {
		t.Fatal("expected persist failure")
	}
	if IsInvalidTransition(err) {
		t.Fatalf("persist failure must not classify as invalid transition: %v", err)
	}
}

func TestAlertStateDispatchesNotification(t *testing.T) {
	store := newFakeStore(map[string]fulfillment.OrderState{"o-1": fulfillment.StateFulfillmentStarted})
	notifier := &fakeNotifier{}
	done := make(chan error, 1)
	m := NewMachine(store,
		WithNotifier(notifier),
		WithNotifyObserver(func(err error) { done <- err }),
	)

	if _, err := m.Transition(context.Background(), Request{OrderID: "o-1", Target: fulfillment.StateProviderFailed}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected notification error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count())
	}
}

func TestNotificationFailureNeverFailsTransition(t *testing.T) {
	store := newFakeStore(map[string]fulfillment.OrderState{"o-1": fulfillment.StateFulfillmentStarted})
	notifier := &fakeNotifier{err: errors.New("channel down")}
	done := make(chan error, 1)
	m := NewMachine(store,
		WithNotifier(notifier),
		WithNotifyObserver(func(err error) { done <- err }),
	)

	if _, err := m.Transition(context.Background(), Request{OrderID: "o-1", Target: fulfillment.StatePendingManual}); err != nil {
		t.Fatalf("transition must not fail on notification error: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected observed notification failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification outcome never observed")
	}
	if store.current("o-1") != fulfillment.StatePendingManual {
		t.Fatalf("state not persisted despite notification failure")
	}
}

func TestAuditLogIsBounded(t *testing.T) {
	store := newFakeStore(map[string]fulfillment.OrderState{})
	m := NewMachine(store, WithAuditLimit(4))

	for i := 0; i < 10; i++ {
		orderID := "o-" + string(rune('a'+i))
		store.states[orderID] = fulfillment.StatePaymentReceived
		if _, err := m.Transition(context.Background(), Request{OrderID: orderID, Target: fulfillment.StateFulfillmentStarted}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := len(m.History()); got != 4 {
		t.Fatalf("expected history capped at 4, got %d", got)
	}
}
