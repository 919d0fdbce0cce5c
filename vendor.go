package fulfillment

import (
	"context"
	"time"
)

// VendorClient invokes one external vendor. Implementations live outside this
// library; tests use scripted fakes.
type VendorClient interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*Artifact, error)
	HealthCheck(ctx context.Context) bool
}

// VendorDescriptor is the static-ish vendor configuration supplied by an
// external registry. Read-only to this library.
type VendorDescriptor struct {
	Slug       string
	Priority   int // higher is tried first
	Active     bool
	Timeout    time.Duration
	MaxRetries int
	Client     VendorClient
}
