package fulfillment

import (
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall-clock time. Injected so tests can freeze it.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// IDGenerator produces correlation identifiers.
type IDGenerator interface {
	NewID() string
}

// IDFunc adapts a function to the IDGenerator interface.
type IDFunc func() string

func (f IDFunc) NewID() string { return f() }

// UUIDGenerator returns an IDGenerator producing random UUIDs.
func UUIDGenerator() IDGenerator {
	return IDFunc(func() string { return uuid.NewString() })
}
