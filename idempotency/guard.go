// Package idempotency deduplicates inbound events across processes using a
// create-if-absent record with a race-safe fallback read. A completed record
// carries the cached response so retried events replay verbatim, giving
// at-most-once side effects.
package idempotency

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-fulfillment"
)

// Status is the processing status of one idempotency record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is one deduplication entry, keyed by dedup key plus logical source.
type Record struct {
	Key           string
	Source        string
	Status        Status
	Response      []byte // cached response for replay
	Note          string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Store persists idempotency records. Create returns false when the key
// already exists; Get returns (nil, nil) when absent.
type Store interface {
	Create(ctx context.Context, rec *Record) (bool, error)
	Get(ctx context.Context, key, source string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

const (
	ErrCodeKeyRequired    = "IDEMPOTENCY_KEY_REQUIRED"
	ErrCodeStoreFailed    = "IDEMPOTENCY_STORE_FAILED"
	ErrCodeRecordNotFound = "IDEMPOTENCY_RECORD_NOT_FOUND"
)

var (
	ErrKeyRequired = apperrors.New("idempotency key and source are required", apperrors.CategoryValidation).
			WithTextCode(ErrCodeKeyRequired)
	ErrStoreFailed = apperrors.New("idempotency store failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeStoreFailed)
	ErrRecordNotFound = apperrors.New("idempotency record not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeRecordNotFound)
)

// AcquireResult reports one lock attempt. When not acquired, Record is the
// other caller's entry and may already be completed with a cached response.
type AcquireResult struct {
	Acquired bool
	Record   *Record
}

// Guard is the cross-process deduplication gate.
type Guard struct {
	store  Store
	ttl    time.Duration
	clock  fulfillment.Clock
	logger fulfillment.Logger
}

// Option customizes a guard.
type Option func(*Guard)

// WithTTL overrides the record retention window.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(c fulfillment.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the guard logger.
func WithLogger(l fulfillment.Logger) Option {
	return func(g *Guard) { g.logger = fulfillment.NormalizeLogger(l) }
}

// NewGuard constructs a guard over the given store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		ttl:    fulfillment.DefaultIdempotencyTTL,
		clock:  fulfillment.SystemClock(),
		logger: fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// AcquireLock attempts to claim the key for processing. A conflict falls
// back to reading the winner's record; the tiny window where the existing
// record is swept between create and read is closed by one more create
// attempt.
func (g *Guard) AcquireLock(ctx context.Context, key, source, correlationID string) (*AcquireResult, error) {
	if key == "" || source == "" {
		return nil, ErrKeyRequired.Clone().WithMetadata(map[string]any{"key": key, "source": source})
	}

	for attempt := 0; attempt < 2; attempt++ {
		now := g.clock.Now()
		rec := &Record{
			Key:           key,
			Source:        source,
			Status:        StatusProcessing,
			CorrelationID: correlationID,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(g.ttl),
		}
		created, err := g.store.Create(ctx, rec)
		if err != nil {
			return nil, g.storeError("create", key, source, err)
		}
		if created {
			return &AcquireResult{Acquired: true, Record: rec}, nil
		}

		existing, err := g.store.Get(ctx, key, source)
		if err != nil {
			return nil, g.storeError("get", key, source, err)
		}
		if existing != nil {
			return &AcquireResult{Acquired: false, Record: existing}, nil
		}
		g.logger.Debug("idempotency record for %s/%s vanished between create and read, retrying", source, key)
	}
	return nil, g.storeError("acquire", key, source, nil)
}

// MarkCompleted transitions processing -> completed and caches the response
// payload for replay.
func (g *Guard) MarkCompleted(ctx context.Context, key, source string, response []byte) error {
	return g.finish(ctx, key, source, StatusCompleted, response, "")
}

// MarkFailed transitions processing -> failed with a diagnostic note.
func (g *Guard) MarkFailed(ctx context.Context, key, source, note string) error {
	return g.finish(ctx, key, source, StatusFailed, nil, note)
}

func (g *Guard) finish(ctx context.Context, key, source string, status Status, response []byte, note string) error {
	rec, err := g.store.Get(ctx, key, source)
	if err != nil {
		return g.storeError("get", key, source, err)
	}
	if rec == nil {
		return ErrRecordNotFound.Clone().WithMetadata(map[string]any{"key": key, "source": source})
	}
	rec.Status = status
	rec.Response = response
	rec.Note = note
	rec.UpdatedAt = g.clock.Now()
	if err := g.store.Update(ctx, rec); err != nil {
		return g.storeError("update", key, source, err)
	}
	return nil
}

// Sweep deletes expired records. Invoked by the reconciliation job, never by
// the guard's own request path.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	removed, err := g.store.DeleteExpired(ctx, g.clock.Now())
	if err != nil {
		return 0, g.storeError("sweep", "", "", err)
	}
	return removed, nil
}

func (g *Guard) storeError(op, key, source string, err error) error {
	meta := map[string]any{"op": op}
	if key != "" {
		meta["key"] = key
		meta["source"] = source
	}
	clone := ErrStoreFailed.Clone().WithMetadata(meta)
	if err != nil {
		clone.Source = err
	}
	return clone
}

// IsNotFound reports whether err means the record is missing.
func IsNotFound(err error) bool {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode == ErrCodeRecordNotFound
	}
	return false
}
