package lifecycle

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeInvalidTransition = "ORDER_INVALID_TRANSITION"
	ErrCodeTerminalState     = "ORDER_TERMINAL_STATE"
	ErrCodeLoadFailed        = "ORDER_LOAD_FAILED"
	ErrCodePersistFailed     = "ORDER_PERSIST_FAILED"
)

var (
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryConflict).
				WithTextCode(ErrCodeInvalidTransition)
	ErrTerminalState = apperrors.New("order is in a terminal state", apperrors.CategoryConflict).
				WithTextCode(ErrCodeTerminalState)
	ErrLoadFailed = apperrors.New("failed to load order state", apperrors.CategoryExternal).
			WithTextCode(ErrCodeLoadFailed)
	ErrPersistFailed = apperrors.New("failed to persist order state", apperrors.CategoryExternal).
				WithTextCode(ErrCodePersistFailed)
)

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsInvalidTransition reports whether err is a rejected (non-fatal)
// transition. Illegitimate transitions are expected under concurrent writers
// and must not crash the caller.
func IsInvalidTransition(err error) bool {
	code := errorCode(err)
	return code == ErrCodeInvalidTransition || code == ErrCodeTerminalState
}
