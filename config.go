package fulfillment

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the tunable surface of the fulfillment core. Zero values are
// replaced with defaults on Validate.
type Config struct {
	Breaker      BreakerConfig      `json:"breaker,omitempty" yaml:"breaker,omitempty"`
	Retry        RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty" yaml:"orchestrator,omitempty"`
	Idempotency  IdempotencyConfig  `json:"idempotency,omitempty" yaml:"idempotency,omitempty"`
	JobLock      JobLockConfig      `json:"job_lock,omitempty" yaml:"job_lock,omitempty"`
	AWS          AWSConfig          `json:"aws,omitempty" yaml:"aws,omitempty"`
	Vendors      []VendorConfig     `json:"vendors,omitempty" yaml:"vendors,omitempty"`
}

// BreakerConfig tunes the per-vendor circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	ResetTimeout     time.Duration `json:"reset_timeout,omitempty" yaml:"reset_timeout,omitempty"`
	SuccessThreshold int           `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
}

// RetryConfig tunes per-vendor retry backoff.
type RetryConfig struct {
	BaseDelay time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay  time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// OrchestratorConfig tunes the orchestration entry point.
type OrchestratorConfig struct {
	// Deadline must stay under the upstream webhook timeout with margin.
	Deadline   time.Duration `json:"deadline,omitempty" yaml:"deadline,omitempty"`
	StaleAfter time.Duration `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// IdempotencyConfig tunes inbound event deduplication.
type IdempotencyConfig struct {
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// JobLockConfig tunes the reconciliation job lease.
type JobLockConfig struct {
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// AWSConfig selects the DynamoDB-backed stores and the AWS-side
// notification/metric sinks. Leaving it empty keeps everything in memory.
type AWSConfig struct {
	OrderTable       string `json:"order_table,omitempty" yaml:"order_table,omitempty"`
	IdempotencyTable string `json:"idempotency_table,omitempty" yaml:"idempotency_table,omitempty"`
	LockTable        string `json:"lock_table,omitempty" yaml:"lock_table,omitempty"`
	BreakerTable     string `json:"breaker_table,omitempty" yaml:"breaker_table,omitempty"`
	AlertQueueURL    string `json:"alert_queue_url,omitempty" yaml:"alert_queue_url,omitempty"`
	MetricsNamespace string `json:"metrics_namespace,omitempty" yaml:"metrics_namespace,omitempty"`
}

// Enabled reports whether any DynamoDB table is configured.
func (c AWSConfig) Enabled() bool {
	return c.OrderTable != "" || c.IdempotencyTable != "" || c.LockTable != "" || c.BreakerTable != ""
}

// VendorConfig is the declarative form of a VendorDescriptor; the capability
// handle is attached by the caller after load.
type VendorConfig struct {
	Slug       string        `json:"slug" yaml:"slug"`
	Priority   int           `json:"priority,omitempty" yaml:"priority,omitempty"`
	Active     bool          `json:"active" yaml:"active"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

const (
	DefaultFailureThreshold     = 5
	DefaultResetTimeout         = 30 * time.Second
	DefaultSuccessThreshold     = 2
	DefaultRetryBaseDelay       = 500 * time.Millisecond
	DefaultRetryMaxDelay        = 8 * time.Second
	DefaultOrchestratorDeadline = 25 * time.Second
	DefaultStaleAfter           = 15 * time.Minute
	DefaultIdempotencyTTL       = 24 * time.Hour
	DefaultJobLockTTL           = 5 * time.Minute
)

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay %s cannot be below base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Orchestrator.Deadline <= 0 {
		c.Orchestrator.Deadline = DefaultOrchestratorDeadline
	}
	if c.Orchestrator.StaleAfter <= 0 {
		c.Orchestrator.StaleAfter = DefaultStaleAfter
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = DefaultIdempotencyTTL
	}
	if c.JobLock.TTL <= 0 {
		c.JobLock.TTL = DefaultJobLockTTL
	}
	if c.AWS.Enabled() {
		if c.AWS.OrderTable == "" || c.AWS.IdempotencyTable == "" || c.AWS.LockTable == "" || c.AWS.BreakerTable == "" {
			return fmt.Errorf("aws: order_table, idempotency_table, lock_table and breaker_table must be set together")
		}
	}
	seen := make(map[string]struct{}, len(c.Vendors))
	for idx, v := range c.Vendors {
		if v.Slug == "" {
			return fmt.Errorf("vendor[%d]: slug is required", idx)
		}
		if _, dup := seen[v.Slug]; dup {
			return fmt.Errorf("vendor[%d]: duplicate slug %q", idx, v.Slug)
		}
		seen[v.Slug] = struct{}{}
		if v.MaxRetries < 0 {
			return fmt.Errorf("vendor %s: max_retries cannot be negative", v.Slug)
		}
	}
	return nil
}

// ParseConfig parses JSON or YAML into a Config and applies defaults.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml handles JSON too, so a single attempt is fine
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadConfig reads and parses a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// Descriptors materializes vendor descriptors from config, attaching clients
// by slug. Vendors without a client are skipped.
func (c Config) Descriptors(clients map[string]VendorClient) []VendorDescriptor {
	out := make([]VendorDescriptor, 0, len(c.Vendors))
	for _, v := range c.Vendors {
		client, ok := clients[v.Slug]
		if !ok {
			continue
		}
		out = append(out, VendorDescriptor{
			Slug:       v.Slug,
			Priority:   v.Priority,
			Active:     v.Active,
			Timeout:    v.Timeout,
			MaxRetries: v.MaxRetries,
			Client:     client,
		})
	}
	return out
}
