package fulfillment

import (
	"runtime"
	"strings"
)

// MakePanicHandler returns a deferred recovery function for background
// goroutines. Detached work (alert dispatch, out-of-band orchestration
// tails) must never take the process down with it; a panic becomes an
// error-level log line with a trimmed stack instead.
func MakePanicHandler(logger Logger) func(funcName string, fields ...map[string]any) {
	logger = NormalizeLogger(logger)
	return func(funcName string, fields ...map[string]any) {
		if err := recover(); err != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			cleaned := cleanStackTrace(stack[:n])

			log := logger
			if len(fields) > 0 && fields[0] != nil {
				log = WithLoggerFields(logger, fields[0])
			}
			log.Error("recovered from panic in %s: %v\n%s", funcName, err, cleaned)
		}
	}
}

// cleanStackTrace drops the runtime's panic frames so the first line a
// reader sees is the one that blew up.
func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}
	// remove the panic() call line and its file reference line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
