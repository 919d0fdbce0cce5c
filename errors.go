package fulfillment

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/goliatone/go-errors"
)

// ErrorClass is the vendor error classification used to decide retryability.
type ErrorClass string

const (
	ClassTimeout         ErrorClass = "timeout"
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassInvalidResponse ErrorClass = "invalid_response"
	ClassNetwork         ErrorClass = "network_error"
	ClassAuthentication  ErrorClass = "authentication"
	ClassValidation      ErrorClass = "validation"
	ClassProvider        ErrorClass = "provider_error"
	ClassUnknown         ErrorClass = "unknown"
)

// Retryable reports whether a vendor error of this class is worth retrying
// against the same vendor.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassTimeout, ClassNetwork, ClassRateLimit, ClassProvider:
		return true
	default:
		return false
	}
}

const errorClassMetadataKey = "error_class"

// NewVendorError builds a structured vendor failure carrying its
// classification as a text code and metadata entry.
func NewVendorError(class ErrorClass, message string, source error) *errors.Error {
	err := errors.New(message, categoryForClass(class)).
		WithTextCode(vendorTextCode(class)).
		WithMetadata(map[string]any{errorClassMetadataKey: string(class)})
	if source != nil {
		err.Source = source
	}
	return err
}

func vendorTextCode(class ErrorClass) string {
	if class == "" {
		class = ClassUnknown
	}
	return "VENDOR_" + strings.ToUpper(string(class))
}

func categoryForClass(class ErrorClass) errors.Category {
	switch class {
	case ClassValidation:
		return errors.CategoryValidation
	case ClassAuthentication:
		return errors.CategoryBadInput
	default:
		return errors.CategoryExternal
	}
}

// Classify derives the classification from an error returned by a vendor
// client. Structured errors carry their class; raw errors are mapped from
// context and network failures.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		if raw, ok := ge.Metadata[errorClassMetadataKey]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return ErrorClass(s)
			}
		}
		if class, ok := classFromTextCode(ge.TextCode); ok {
			return class
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}

func classFromTextCode(code string) (ErrorClass, bool) {
	const prefix = "VENDOR_"
	if !strings.HasPrefix(code, prefix) {
		return "", false
	}
	class := ErrorClass(strings.ToLower(strings.TrimPrefix(code, prefix)))
	switch class {
	case ClassTimeout, ClassRateLimit, ClassInvalidResponse, ClassNetwork,
		ClassAuthentication, ClassValidation, ClassProvider, ClassUnknown:
		return class, true
	}
	return "", false
}

// IsRetryable reports whether err should be retried against the same vendor.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}
