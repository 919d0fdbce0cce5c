// Package notify holds notification channels for operator alerts and
// customer-facing confirmations.
package notify

import (
	"context"
	"sync"

	"github.com/goliatone/go-fulfillment"
)

// Memory records notifications in-process. Used by tests and the
// simulator binary.
type Memory struct {
	mu   sync.Mutex
	sent []fulfillment.Notification
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(_ context.Context, n fulfillment.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of everything delivered so far.
func (m *Memory) Sent() []fulfillment.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fulfillment.Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// Log writes notifications to the logger, mapping severity to level.
// Useful as a development stand-in for a paging channel.
type Log struct {
	logger fulfillment.Logger
}

func NewLog(logger fulfillment.Logger) *Log {
	return &Log{logger: fulfillment.NormalizeLogger(logger)}
}

func (l *Log) Send(ctx context.Context, n fulfillment.Notification) error {
	log := l.logger.WithContext(ctx)
	switch n.Severity {
	case fulfillment.SeverityCritical:
		log.Error("notification [%s] %s: %s", n.Severity, n.Title, n.Body)
	case fulfillment.SeverityWarning:
		log.Warn("notification [%s] %s: %s", n.Severity, n.Title, n.Body)
	default:
		log.Info("notification [%s] %s: %s", n.Severity, n.Title, n.Body)
	}
	return nil
}
