package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-fulfillment"
)

// Scheduler runs reconciliation on a cron expression. It wraps the
// cron runtime with panic recovery and an error handler so one bad
// pass never kills the schedule.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	logger       fulfillment.Logger
	started      bool
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithErrorHandler(fn func(error)) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

func WithSchedulerLogger(l fulfillment.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   fulfillment.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled pass failed: %v", err)
		}
	}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithChain(rcron.Recover(cronLogger{s.logger})),
	)
	return s
}

// Schedule registers the reconciler on a cron expression. Each firing
// gets a fresh context bounded to the schedule interval's order of
// magnitude.
func (s *Scheduler) Schedule(expression string, reconciler *Reconciler) (rcron.EntryID, error) {
	if expression == "" {
		return 0, fmt.Errorf("cron expression cannot be empty")
	}
	job := rcron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := reconciler.Run(ctx); err != nil {
			s.errorHandler(err)
		}
	})
	id, err := s.cron.AddJob(expression, job)
	if err != nil {
		return 0, fmt.Errorf("failed to add job: %w", err)
	}
	return id, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return s.cron.Stop()
}

// cronLogger adapts the library logger to the cron runtime's contract.
type cronLogger struct {
	logger fulfillment.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
