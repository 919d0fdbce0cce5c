package fulfillment

import (
	"strings"
	"time"
)

// OrderState is one step of the fulfillment lifecycle.
type OrderState string

const (
	StatePending            OrderState = "pending"
	StatePaymentReceived    OrderState = "payment_received"
	StateFulfillmentStarted OrderState = "fulfillment_started"
	StateProviderConfirmed  OrderState = "provider_confirmed"
	StateEmailSent          OrderState = "email_sent"
	StateDelivered          OrderState = "delivered"
	StateProviderFailed     OrderState = "provider_failed"
	StatePendingManual      OrderState = "pending_manual_fulfillment"
	StateRefundNeeded       OrderState = "refund_needed"
	StateRefunded           OrderState = "refunded"

	// pre-migration terminal aliases, still present in stored data
	StateCompleted OrderState = "completed"
	StateFailed    OrderState = "failed"
)

// NormalizeState lower-cases and trims a stored state value.
func NormalizeState(s string) OrderState {
	return OrderState(strings.ToLower(strings.TrimSpace(s)))
}

// Order is the unit of fulfillment. The persistence layer owns the record;
// the library never holds it beyond one orchestration call.
type Order struct {
	ID            string
	CorrelationID string
	State         OrderState
	SKU           string
	CustomerEmail string
	Amount        int64 // minor units
	Currency      string
	Artifact      *Artifact
}

// Artifact is the vendor-issued deliverable attached to a fulfilled order.
type Artifact struct {
	QRPayload      string
	ICCID          string
	ActivationCode string
	VendorSlug     string
	IssuedAt       time.Time
}

// PurchaseRequest carries the order fields a vendor needs to provision an eSIM.
type PurchaseRequest struct {
	OrderID       string
	CorrelationID string
	SKU           string
	CustomerEmail string
	Amount        int64
	Currency      string
}

// Attempt records one vendor invocation during an orchestration call. It is
// accumulated in memory and handed to the caller for logging; it is never
// persisted by this library.
type Attempt struct {
	Vendor     string
	StartedAt  time.Time
	Duration   time.Duration
	Success    bool
	Class      ErrorClass
	Error      string
}
