// Package index writes batches of documents back to a store.
package index

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Document is a field map ready to be stored. Values are scalars, []any for
// multi-valued fields or map[string]any for nested objects.
type Document map[string]any

// Client commits a batch of documents. A nil error means the whole batch is
// durable.
type Client interface {
	Write(ctx context.Context, docs []Document) error
}

const (
	BackendHTTP   = "http"
	BackendSQL    = "sql"
	BackendMemory = "memory"
)

type Config struct {
	Backend string `yaml:"backend"`

	HTTP HTTPConfig `yaml:"http"`
	SQL  SQLConfig  `yaml:"sql"`

	MaxRetries     int           `yaml:"max_retries"`
	MinBackoff     time.Duration `yaml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	DocsPerSecond  float64       `yaml:"docs_per_second"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`

	BreakerFailures    int           `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+".backend", BackendHTTP, "Where written documents go. Supported values: http, sql, memory.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 5, "Maximum number of attempts for one batch. 0 disables retries.")
	f.DurationVar(&cfg.MinBackoff, prefix+".min-backoff", 100*time.Millisecond, "Minimum delay between write retries.")
	f.DurationVar(&cfg.MaxBackoff, prefix+".max-backoff", 5*time.Second, "Maximum delay between write retries.")
	f.Float64Var(&cfg.DocsPerSecond, prefix+".docs-per-second", 0, "Maximum documents written per second. 0 disables the limit.")
	f.IntVar(&cfg.RateLimitBurst, prefix+".rate-limit-burst", 1000, "Burst size of the write rate limit, in documents.")
	f.IntVar(&cfg.BreakerFailures, prefix+".breaker-failures", 0, "Consecutive failed batches that open the circuit breaker. 0 disables the breaker.")
	f.DurationVar(&cfg.BreakerOpenTimeout, prefix+".breaker-open-timeout", 30*time.Second, "How long the circuit breaker stays open before probing the index again.")
	cfg.HTTP.RegisterFlagsWithPrefix(prefix+".http", f)
	cfg.SQL.RegisterFlagsWithPrefix(prefix+".sql", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case BackendHTTP, BackendSQL, BackendMemory:
	default:
		return fmt.Errorf("unsupported index backend %q", cfg.Backend)
	}
	if cfg.MaxRetries < 0 {
		return errors.New("index max retries must not be negative")
	}
	if cfg.DocsPerSecond < 0 {
		return errors.New("index docs per second must not be negative")
	}
	if cfg.BreakerFailures < 0 {
		return errors.New("index breaker failures must not be negative")
	}
	if cfg.DocsPerSecond > 0 && cfg.RateLimitBurst <= 0 {
		return errors.New("index rate limit burst must be positive when a rate is set")
	}
	return nil
}

// New builds the configured client and wraps it, innermost first, with
// retries, the circuit breaker, rate limiting and instrumentation.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var (
		c   Client
		err error
	)
	switch cfg.Backend {
	case BackendHTTP:
		c, err = NewHTTPClient(cfg.HTTP, logger)
	case BackendSQL:
		c, err = OpenSQLClient(cfg.SQL, logger)
	case BackendMemory:
		c = NewMemoryClient()
	default:
		err = fmt.Errorf("unsupported index backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MaxRetries > 0 {
		c = NewRetryingClient(c, cfg.MinBackoff, cfg.MaxBackoff, cfg.MaxRetries, logger)
	}
	if cfg.BreakerFailures > 0 {
		c = NewCircuitBreakerClient(c, cfg.BreakerFailures, cfg.BreakerOpenTimeout, logger)
	}
	if cfg.DocsPerSecond > 0 {
		c = NewRateLimitedClient(c, cfg.DocsPerSecond, cfg.RateLimitBurst)
	}
	return NewInstrumentedClient(c, cfg.Backend, reg), nil
}

// MemoryClient keeps every written batch. It is used by tests and dry runs.
type MemoryClient struct {
	mtx     sync.Mutex
	batches [][]Document
	failAt  map[int]error
	calls   int
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{failAt: map[int]error{}}
}

// FailOn makes the n-th call to Write (0 based) fail with err.
func (c *MemoryClient) FailOn(n int, err error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.failAt[n] = err
}

func (c *MemoryClient) Write(ctx context.Context, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()

	n := c.calls
	c.calls++
	if err, ok := c.failAt[n]; ok {
		return err
	}
	c.batches = append(c.batches, append([]Document(nil), docs...))
	return nil
}

// Batches returns the sizes of the successfully written batches in order.
func (c *MemoryClient) Batches() []int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]int, len(c.batches))
	for i, b := range c.batches {
		out[i] = len(b)
	}
	return out
}

// Documents returns every successfully written document in order.
func (c *MemoryClient) Documents() []Document {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var out []Document
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}
