package orchestrate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/breaker"
	"github.com/goliatone/go-fulfillment/failover"
	"github.com/goliatone/go-fulfillment/idempotency"
	"github.com/goliatone/go-fulfillment/lifecycle"
)

type fakeOrderStore struct {
	mu     sync.Mutex
	states map[string]fulfillment.OrderState
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{states: map[string]fulfillment.OrderState{}}
}

func (s *fakeOrderStore) LoadState(_ context.Context, orderID string) (fulfillment.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[orderID], nil
}

func (s *fakeOrderStore) PersistState(_ context.Context, orderID string, state fulfillment.OrderState, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[orderID] = state
	return nil
}

func (s *fakeOrderStore) state(orderID string) fulfillment.OrderState {
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

type countingVendor struct {
	mu       sync.Mutex
	calls    int
	err      error
	blockOn  chan struct{}
	artifact fulfillment.Artifact
}

func (v *countingVendor) Purchase(ctx context.Context, req fulfillment.PurchaseRequest) (*fulfillment.Artifact, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	if v.blockOn != nil {
		select {
		case <-v.blockOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if v.err != nil {
		return nil, v.err
	}
	a := v.artifact
	if a.ICCID == "" {
		a = fulfillment.Artifact{
			QRPayload:      "LPA:1$rsp.example.com$TOKEN",
			ICCID:          "8944123456789012345",
			ActivationCode: "ACT-1",
			VendorSlug:     "stub",
		}
	}
	return &a, nil
}

func (v *countingVendor) HealthCheck(context.Context) bool { return true }

func (v *countingVendor) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func descriptor(slug string, priority, maxRetries int, client fulfillment.VendorClient) fulfillment.VendorDescriptor {
	return fulfillment.VendorDescriptor{
		Slug:       slug,
		Priority:   priority,
		Active:     true,
		MaxRetries: maxRetries,
		Client:     client,
	}
}

func newTestEngine() *failover.Engine {
	registry := breaker.NewRegistry(breaker.Settings{FailureThreshold: 10, ResetTimeout: 30 * time.Second, SuccessThreshold: 2})
	return failover.NewEngine(registry, failover.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func newOrchestrator(store *fakeOrderStore, opts ...Option) *Orchestrator {
	machine := lifecycle.NewMachine(store)
	return New(machine, newTestEngine(), opts...)
}

func paidOrder(store *fakeOrderStore, id string) fulfillment.Order {
	store.states[id] = fulfillment.StatePaymentReceived
	return fulfillment.Order{
		ID:            id,
		CorrelationID: "corr-" + id,
		State:         fulfillment.StatePaymentReceived,
		SKU:           "esim-eu-5gb",
		CustomerEmail: "buyer@example.com",
		Amount:        1999,
		Currency:      "USD",
	}
}

func TestFulfillDeliversWithSingleVendor(t *testing.T) {
	store := newFakeOrderStore()
	notifier := &fakeNotifier{}
	orch := newOrchestrator(store, WithNotifier(notifier))
	order := paidOrder(store, "ord-1")

	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 1, &countingVendor{}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s (%s)", res.Outcome, res.Reason)
	}
	if res.Artifact == nil || res.Artifact.ICCID == "" {
		t.Fatal("expected a non-empty artifact")
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(res.Attempts))
	}
	if res.VendorUsed != "alpha" {
		t.Fatalf("expected alpha, got %s", res.VendorUsed)
	}
	if got := store.state("ord-1"); got != fulfillment.StateDelivered {
		t.Fatalf("expected persisted delivered, got %s", got)
	}
	if notifier.count() == 0 {
		t.Fatal("expected a confirmation notification")
	}
}

func TestFulfillAllVendorsFailWithoutEscalation(t *testing.T) {
	store := newFakeOrderStore()
	orch := newOrchestrator(store)
	order := paidOrder(store, "ord-2")

	failing := func() *countingVendor {
		return &countingVendor{err: fulfillment.NewVendorError(fulfillment.ClassTimeout, "upstream timeout", nil)}
	}
	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 1, failing()),
		descriptor("beta", 5, 1, failing()),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if got := store.state("ord-2"); got != fulfillment.StateProviderFailed {
		t.Fatalf("expected provider_failed, got %s", got)
	}
	if _, ok := res.FailureReasons["alpha"]; !ok {
		t.Fatal("expected alpha in failure reasons")
	}
	if _, ok := res.FailureReasons["beta"]; !ok {
		t.Fatal("expected beta in failure reasons")
	}
	if len(res.Failovers) != 1 || res.Failovers[0].From != "alpha" || res.Failovers[0].To != "beta" {
		t.Fatalf("expected the alpha->beta handoff in the result, got %+v", res.Failovers)
	}
}

func TestFulfillEscalationCarriesFailoverTrail(t *testing.T) {
	store := newFakeOrderStore()
	notifier := &fakeNotifier{}
	orch := newOrchestrator(store, WithNotifier(notifier))
	order := paidOrder(store, "ord-10")

	failing := func() *countingVendor {
		return &countingVendor{err: fulfillment.NewVendorError(fulfillment.ClassProvider, "5xx", nil)}
	}
	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 0, failing()),
		descriptor("beta", 5, 0, failing()),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("expected escalated, got %s", res.Outcome)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one escalation notification, got %d", notifier.count())
	}
	if body := notifier.sent[0].Body; !strings.Contains(body, "failover alpha -> beta") {
		t.Fatalf("escalation body must carry the handoff trail, got %q", body)
	}
}

func TestFulfillEscalatesWhenChannelConfigured(t *testing.T) {
	store := newFakeOrderStore()
	notifier := &fakeNotifier{}
	orch := newOrchestrator(store, WithNotifier(notifier))
	order := paidOrder(store, "ord-3")

	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 0, &countingVendor{err: fulfillment.NewVendorError(fulfillment.ClassProvider, "5xx", nil)}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeEscalated {
		t.Fatalf("expected escalated, got %s", res.Outcome)
	}
	if got := store.state("ord-3"); got != fulfillment.StatePendingManual {
		t.Fatalf("expected pending_manual_fulfillment, got %s", got)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one escalation notification, got %d", notifier.count())
	}
}

func TestFulfillEscalationFailureFallsBackToProviderFailed(t *testing.T) {
	store := newFakeOrderStore()
	notifier := &fakeNotifier{err: context.DeadlineExceeded}
	orch := newOrchestrator(store, WithNotifier(notifier))
	order := paidOrder(store, "ord-4")

	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 0, &countingVendor{err: fulfillment.NewVendorError(fulfillment.ClassProvider, "5xx", nil)}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if got := store.state("ord-4"); got != fulfillment.StateProviderFailed {
		t.Fatalf("expected provider_failed, got %s", got)
	}
}

func TestFulfillRejectsOrderNotReady(t *testing.T) {
	store := newFakeOrderStore()
	orch := newOrchestrator(store)
	store.states["ord-5"] = fulfillment.StatePending

	res, err := orch.Fulfill(context.Background(), fulfillment.Order{ID: "ord-5"}, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 1, &countingVendor{}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s", res.Outcome)
	}
	if got := store.state("ord-5"); got != fulfillment.StatePending {
		t.Fatalf("state must be unchanged, got %s", got)
	}
}

func TestFulfillDeadlineRaceCompletesOutOfBand(t *testing.T) {
	store := newFakeOrderStore()
	orch := newOrchestrator(store, WithDeadline(25*time.Millisecond))
	order := paidOrder(store, "ord-6")

	release := make(chan struct{})
	vendor := &countingVendor{blockOn: release}

	res, err := orch.Fulfill(context.Background(), order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 0, vendor),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed out, got %s", res.Outcome)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for store.state("ord-6") != fulfillment.StateDelivered {
		select {
		case <-deadline:
			t.Fatalf("detached run never delivered, state=%s", store.state("ord-6"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandleEventReplaysCompletedRecord(t *testing.T) {
	store := newFakeOrderStore()
	guard := idempotency.NewGuard(newGuardStore())
	vendor := &countingVendor{}
	orch := newOrchestrator(store, WithGuard(guard))
	order := paidOrder(store, "ord-7")
	vendors := []fulfillment.VendorDescriptor{descriptor("alpha", 10, 1, vendor)}

	first, err := orch.HandleEvent(context.Background(), "evt-7", "webhook", order, vendors)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Outcome != OutcomeDelivered {
		t.Fatalf("expected delivered, got %s (%s)", first.Outcome, first.Reason)
	}

	second, err := orch.HandleEvent(context.Background(), "evt-7", "webhook", order, vendors)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Outcome != OutcomeReplayed {
		t.Fatalf("expected replayed, got %s", second.Outcome)
	}
	if second.VendorUsed != "alpha" {
		t.Fatalf("cached response must carry the vendor, got %q", second.VendorUsed)
	}
	if vendor.callCount() != 1 {
		t.Fatalf("replay must not invoke the vendor again, calls=%d", vendor.callCount())
	}
}

func TestHandleEventMarksFailureForRetry(t *testing.T) {
	store := newFakeOrderStore()
	guardStore := newGuardStore()
	guard := idempotency.NewGuard(guardStore)
	orch := newOrchestrator(store, WithGuard(guard))
	order := paidOrder(store, "ord-8")

	res, err := orch.HandleEvent(context.Background(), "evt-8", "webhook", order, []fulfillment.VendorDescriptor{
		descriptor("alpha", 10, 0, &countingVendor{err: fulfillment.NewVendorError(fulfillment.ClassNetwork, "conn refused", nil)}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}

	rec, err := guardStore.Get(context.Background(), "evt-8", "webhook")
	if err != nil || rec == nil {
		t.Fatalf("expected a record, err=%v", err)
	}
	if rec.Status != idempotency.StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
}

func TestHandleEventSettlesRecordAfterTimedOutRun(t *testing.T) {
	store := newFakeOrderStore()
	guardStore := newGuardStore()
	guard := idempotency.NewGuard(guardStore)
	orch := newOrchestrator(store, WithGuard(guard), WithDeadline(25*time.Millisecond))
	order := paidOrder(store, "ord-9")

	release := make(chan struct{})
	vendor := &countingVendor{blockOn: release}
	vendors := []fulfillment.VendorDescriptor{descriptor("alpha", 10, 0, vendor)}

	first, err := orch.HandleEvent(context.Background(), "evt-9", "webhook", order, vendors)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed out, got %s", first.Outcome)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		rec, err := guardStore.Get(context.Background(), "evt-9", "webhook")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Status == idempotency.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("record never settled after the detached run, status=%s", rec.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	retry, err := orch.HandleEvent(context.Background(), "evt-9", "webhook", order, vendors)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retry.Outcome != OutcomeReplayed {
		t.Fatalf("retry after out-of-band delivery must replay the cached result, got %s", retry.Outcome)
	}
	if retry.VendorUsed != "alpha" {
		t.Fatalf("cached response must carry the vendor, got %q", retry.VendorUsed)
	}
	if vendor.callCount() != 1 {
		t.Fatalf("retry must not invoke the vendor again, calls=%d", vendor.callCount())
	}
}

// guardStore is a minimal idempotency.Store for wiring the guard into
// orchestrator tests.
type guardStore struct {
	mu      sync.Mutex
	records map[string]*idempotency.Record
}

func newGuardStore() *guardStore {
	return &guardStore{records: map[string]*idempotency.Record{}}
}

func (s *guardStore) key(key, source string) string { return source + "::" + key }

func (s *guardStore) Create(_ context.Context, rec *idempotency.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(rec.Key, rec.Source)
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	cp := *rec
	s.records[k] = &cp
	return true, nil
}

func (s *guardStore) Get(_ context.Context, key, source string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.key(key, source)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *guardStore) Update(_ context.Context, rec *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[s.key(rec.Key, rec.Source)] = &cp
	return nil
}

func (s *guardStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}
