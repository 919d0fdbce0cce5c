package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/failover"
	"github.com/goliatone/go-fulfillment/idempotency"
	"github.com/goliatone/go-fulfillment/lifecycle"
	"github.com/goliatone/go-fulfillment/saga"
)

// Outcome classifies one orchestration run for the caller. Everything
// here is a structured result; only programmer errors surface as Go
// errors.
type Outcome string

const (
	// OutcomeDelivered is a full success: artifact issued, order delivered.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeEscalated means no vendor succeeded but a human was alerted;
	// the order waits in pending_manual_fulfillment.
	OutcomeEscalated Outcome = "escalated"
	// OutcomeFailed means no vendor succeeded and no escalation was sent.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected means the order could not enter fulfillment at all.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTimedOut means the deadline elapsed first; the run keeps
	// going out-of-band and persists its own final state.
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeReplayed is a cached response for a duplicate event.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeInFlight means a concurrent run holds the idempotency lock.
	OutcomeInFlight Outcome = "in_flight"
)

// Result is the caller-facing report of one orchestration.
type Result struct {
	Outcome        Outcome                 `json:"outcome"`
	OrderID        string                  `json:"order_id"`
	CorrelationID  string                  `json:"correlation_id,omitempty"`
	State          fulfillment.OrderState  `json:"state,omitempty"`
	VendorUsed     string                  `json:"vendor_used,omitempty"`
	Artifact       *fulfillment.Artifact   `json:"artifact,omitempty"`
	Attempted      []string                `json:"attempted,omitempty"`
	Attempts       []fulfillment.Attempt   `json:"-"`
	Failovers      []failover.Event        `json:"failovers,omitempty"`
	FailureReasons map[string]string       `json:"failure_reasons,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Elapsed        time.Duration           `json:"-"`

	// final delivers the detached run's result after a timed-out return.
	final <-chan *Result
}

// Recorder receives per-run telemetry. Implementations must tolerate
// being called from a background goroutine after the caller returned.
type Recorder interface {
	Record(ctx context.Context, result *Result)
}

// Orchestrator is the single fulfillment entry point. It wires the
// state machine, the failover engine and the optional escalation
// channel behind one deadline-bounded call.
type Orchestrator struct {
	machine  *lifecycle.Machine
	engine   *failover.Engine
	guard    *idempotency.Guard
	notifier fulfillment.Notifier
	recorder Recorder
	deadline time.Duration
	clock    fulfillment.Clock
	idgen    fulfillment.IDGenerator
	logger   fulfillment.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier enables the escalation and delivery-confirmation channel.
func WithNotifier(n fulfillment.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithGuard enables idempotent event handling via HandleEvent.
func WithGuard(g *idempotency.Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

func WithClock(c fulfillment.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithIDGenerator(g fulfillment.IDGenerator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.idgen = g
		}
	}
}

func WithLogger(l fulfillment.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(machine *lifecycle.Machine, engine *failover.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		machine:  machine,
		engine:   engine,
		deadline: fulfillment.DefaultOrchestratorDeadline,
		clock:    fulfillment.SystemClock(),
		idgen:    fulfillment.UUIDGenerator(),
		logger:   fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Fulfill races one orchestration run against the configured deadline.
// When the timer wins the caller gets a timed-out result immediately
// while the run, detached from the caller's cancellation, finishes and
// persists its own final state. In-flight vendor purchases are never
// aborted mid-call.
func (o *Orchestrator) Fulfill(ctx context.Context, order fulfillment.Order, vendors []fulfillment.VendorDescriptor) (*Result, error) {
	if order.ID == "" {
		return nil, apperrors.New("order id is required", apperrors.CategoryValidation).
			WithTextCode("ORCH_ORDER_ID_REQUIRED")
	}
	if order.CorrelationID == "" {
		order.CorrelationID = o.idgen.NewID()
	}

	done := make(chan *Result, 1)
	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer fulfillment.MakePanicHandler(o.logger)("orchestrate.run", map[string]any{"order": order.ID})
		done <- o.run(workCtx, order, vendors)
	}()

	timer := time.NewTimer(o.deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, nil
	case <-timer.C:
		o.logger.Warn("orchestration for %s exceeded %s deadline, completing out-of-band", order.ID, o.deadline)
		return &Result{
			Outcome:       OutcomeTimedOut,
			OrderID:       order.ID,
			CorrelationID: order.CorrelationID,
			Elapsed:       o.deadline,
			final:         done,
		}, nil
	case <-ctx.Done():
		return &Result{
			Outcome:       OutcomeTimedOut,
			OrderID:       order.ID,
			CorrelationID: order.CorrelationID,
			Reason:        ctx.Err().Error(),
			final:         done,
		}, nil
	}
}

func (o *Orchestrator) run(ctx context.Context, order fulfillment.Order, vendors []fulfillment.VendorDescriptor) *Result {
	started := o.clock.Now()
	log := o.logger.WithContext(ctx)

	res := &Result{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
	}
	defer func() {
		res.Elapsed = o.clock.Now().Sub(started)
		o.record(ctx, res)
	}()

	if _, err := o.transition(ctx, order, fulfillment.StateFulfillmentStarted, nil); err != nil {
		res.Outcome = OutcomeRejected
		res.Reason = err.Error()
		log.Warn("order %s rejected at fulfillment start: %v", order.ID, err)
		return res
	}

	purchase, err := o.engine.Purchase(ctx, vendors, fulfillment.PurchaseRequest{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		SKU:           order.SKU,
		CustomerEmail: order.CustomerEmail,
		Amount:        order.Amount,
		Currency:      order.Currency,
	})
	if purchase != nil {
		res.Attempted = purchase.Attempted
		res.Attempts = purchase.Attempts
		res.Failovers = purchase.Events
		res.FailureReasons = purchase.FailureReasons
	}
	if err != nil {
		return o.failurePath(ctx, order, res, err)
	}

	res.VendorUsed = purchase.VendorUsed
	res.Artifact = purchase.Artifact
	return o.successPath(ctx, order, res)
}

// successPath runs the post-purchase tail: confirm, notify the
// customer, mark delivered. The confirmation email is best-effort and
// never reverts a prior transition; a compensation only fires when the
// order cannot be advanced past provider_confirmed.
func (o *Orchestrator) successPath(ctx context.Context, order fulfillment.Order, res *Result) *Result {
	log := o.logger.WithContext(ctx)

	steps := []saga.Step[*Result]{
		{
			Name: "confirm-provider",
			Execute: func(ctx context.Context, r *Result) error {
				_, err := o.transition(ctx, order, fulfillment.StateProviderConfirmed, map[string]any{
					"vendor": r.VendorUsed,
					"iccid":  r.Artifact.ICCID,
				})
				return err
			},
			Compensate: func(ctx context.Context, r *Result) error {
				return o.notify(ctx, fulfillment.Notification{
					Title:    "order stuck after provider confirmation",
					Body:     fmt.Sprintf("order %s purchased from %s but could not advance; manual review required", order.ID, r.VendorUsed),
					Severity: fulfillment.SeverityCritical,
				})
			},
		},
		{
			Name: "send-confirmation",
			Execute: func(ctx context.Context, r *Result) error {
				if err := o.sendConfirmation(ctx, order, r); err != nil {
					log.Warn("confirmation for %s failed, continuing: %v", order.ID, err)
					return nil
				}
				if _, err := o.transition(ctx, order, fulfillment.StateEmailSent, nil); err != nil {
					log.Warn("email_sent transition refused for %s, continuing: %v", order.ID, err)
				}
				return nil
			},
		},
		{
			Name: "mark-delivered",
			Execute: func(ctx context.Context, r *Result) error {
				_, err := o.transition(ctx, order, fulfillment.StateDelivered, map[string]any{
					"vendor": r.VendorUsed,
				})
				return err
			},
		},
	}

	if err := saga.New(steps, true).Run(ctx, res); err != nil {
		res.Outcome = OutcomeFailed
		res.Reason = err.Error()
		if failures := saga.CompensationFailures(err); len(failures) > 0 {
			log.Error("delivery tail for %s failed with unfinished compensations: %v", order.ID, failures)
		}
		return res
	}

	res.Outcome = OutcomeDelivered
	res.State = fulfillment.StateDelivered
	return res
}

// failurePath escalates to a human when a channel is configured,
// otherwise records the failure with the full vendor breakdown.
func (o *Orchestrator) failurePath(ctx context.Context, order fulfillment.Order, res *Result, cause error) *Result {
	log := o.logger.WithContext(ctx)
	res.Reason = cause.Error()

	if o.notifier != nil {
		err := o.notify(ctx, fulfillment.Notification{
			Title:    "manual fulfillment required",
			Body:     escalationBody(order, res, cause),
			Severity: fulfillment.SeverityCritical,
		})
		if err == nil {
			if _, terr := o.transition(ctx, order, fulfillment.StatePendingManual, map[string]any{
				"cause": failover.ErrorCode(cause),
			}); terr != nil {
				log.Error("escalation sent for %s but state not advanced: %v", order.ID, terr)
			}
			res.Outcome = OutcomeEscalated
			res.State = fulfillment.StatePendingManual
			return res
		}
		log.Warn("escalation channel failed for %s, recording provider failure: %v", order.ID, err)
	}

	if _, err := o.transition(ctx, order, fulfillment.StateProviderFailed, map[string]any{
		"cause":           failover.ErrorCode(cause),
		"failure_reasons": res.FailureReasons,
	}); err != nil {
		log.Error("provider failure for %s not persisted: %v", order.ID, err)
	}
	res.Outcome = OutcomeFailed
	res.State = fulfillment.StateProviderFailed
	return res
}

// HandleEvent is the idempotency-guarded entry point for inbound
// events (payment webhooks, retries). The first caller for a key runs
// the orchestration and caches its result; duplicates replay the
// cached response without touching any vendor.
func (o *Orchestrator) HandleEvent(ctx context.Context, key, source string, order fulfillment.Order, vendors []fulfillment.VendorDescriptor) (*Result, error) {
	if o.guard == nil {
		return o.Fulfill(ctx, order, vendors)
	}
	if order.CorrelationID == "" {
		order.CorrelationID = o.idgen.NewID()
	}

	acquired, err := o.guard.AcquireLock(ctx, key, source, order.CorrelationID)
	if err != nil {
		return nil, err
	}
	if !acquired.Acquired {
		return o.replay(acquired.Record, order)
	}

	res, err := o.Fulfill(ctx, order, vendors)
	if err != nil {
		if ferr := o.guard.MarkFailed(ctx, key, source, err.Error()); ferr != nil {
			o.logger.Warn("idempotency record %s not marked failed: %v", key, ferr)
		}
		return nil, err
	}

	if res.Outcome == OutcomeTimedOut {
		o.settleLater(ctx, key, source, res)
	} else {
		o.settleRecord(ctx, key, source, res)
	}
	return res, nil
}

// settleLater finishes the idempotency record once a timed-out run
// completes out-of-band, so a webhook retry after out-of-band delivery
// replays the real result instead of finding the record still in
// processing.
func (o *Orchestrator) settleLater(ctx context.Context, key, source string, res *Result) {
	if res.final == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		defer fulfillment.MakePanicHandler(o.logger)("orchestrate.settleLater", map[string]any{"key": key})
		o.settleRecord(bg, key, source, <-res.final)
	}()
}

func (o *Orchestrator) settleRecord(ctx context.Context, key, source string, res *Result) {
	switch res.Outcome {
	case OutcomeFailed, OutcomeRejected:
		if err := o.guard.MarkFailed(ctx, key, source, res.Reason); err != nil {
			o.logger.Warn("idempotency record %s not marked failed: %v", key, err)
		}
	default:
		payload, merr := json.Marshal(res)
		if merr != nil {
			payload = nil
		}
		if err := o.guard.MarkCompleted(ctx, key, source, payload); err != nil {
			o.logger.Warn("idempotency record %s not marked completed: %v", key, err)
		}
	}
}

func (o *Orchestrator) replay(rec *idempotency.Record, order fulfillment.Order) (*Result, error) {
	switch rec.Status {
	case idempotency.StatusCompleted:
		res := &Result{}
		if len(rec.Response) > 0 {
			if err := json.Unmarshal(rec.Response, res); err != nil {
				res = &Result{OrderID: order.ID}
			}
		}
		res.Outcome = OutcomeReplayed
		return res, nil
	case idempotency.StatusFailed:
		return &Result{
			Outcome:       OutcomeFailed,
			OrderID:       order.ID,
			CorrelationID: rec.CorrelationID,
			Reason:        rec.Note,
		}, nil
	default:
		return &Result{
			Outcome:       OutcomeInFlight,
			OrderID:       order.ID,
			CorrelationID: rec.CorrelationID,
		}, nil
	}
}

func (o *Orchestrator) transition(ctx context.Context, order fulfillment.Order, target fulfillment.OrderState, metadata map[string]any) (*lifecycle.Result, error) {
	return o.machine.Transition(ctx, lifecycle.Request{
		OrderID:       order.ID,
		CorrelationID: order.CorrelationID,
		Target:        target,
		Metadata:      metadata,
	})
}

func (o *Orchestrator) sendConfirmation(ctx context.Context, order fulfillment.Order, res *Result) error {
	if o.notifier == nil {
		return apperrors.New("no notification channel configured", apperrors.CategoryValidation)
	}
	return o.notify(ctx, fulfillment.Notification{
		Title:    "your eSIM is ready",
		Body:     fmt.Sprintf("order %s: activation code %s (ICCID %s)", order.ID, res.Artifact.ActivationCode, res.Artifact.ICCID),
		Severity: fulfillment.SeverityInfo,
	})
}

func (o *Orchestrator) notify(ctx context.Context, n fulfillment.Notification) error {
	if o.notifier == nil {
		return apperrors.New("no notification channel configured", apperrors.CategoryValidation)
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return o.notifier.Send(sendCtx, n)
}

func (o *Orchestrator) record(ctx context.Context, res *Result) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(ctx, res)
}

func escalationBody(order fulfillment.Order, res *Result, cause error) string {
	body := fmt.Sprintf(
		"order %s could not be fulfilled (%s); attempted vendors: %v; reasons: %v",
		order.ID, cause.Error(), res.Attempted, res.FailureReasons,
	)
	for _, ev := range res.Failovers {
		body += fmt.Sprintf("; failover %s -> %s (%s)", ev.From, ev.To, ev.Reason)
	}
	return body
}
