package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/instrument"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// RetryingClient retries failed batches with exponential backoff. Context
// cancellation is never retried.
type RetryingClient struct {
	next   Client
	cfg    backoff.Config
	logger log.Logger
}

func NewRetryingClient(next Client, minBackoff, maxBackoff time.Duration, maxRetries int, logger log.Logger) *RetryingClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &RetryingClient{
		next: next,
		cfg: backoff.Config{
			MinBackoff: minBackoff,
			MaxBackoff: maxBackoff,
			MaxRetries: maxRetries,
		},
		logger: logger,
	}
}

func (c *RetryingClient) Write(ctx context.Context, docs []Document) error {
	b := backoff.New(ctx, c.cfg)

	var lastErr error
	for b.Ongoing() {
		err := c.next.Write(ctx, docs)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
		level.Warn(c.logger).Log("msg", "batch write failed, retrying", "attempt", b.NumRetries()+1, "docs", len(docs), "err", err)
		b.Wait()
	}
	if lastErr == nil {
		return b.Err()
	}
	return fmt.Errorf("writing batch after %d retries: %w", b.NumRetries(), lastErr)
}

// CircuitBreakerClient fails batches fast with gobreaker.ErrOpenState once
// consecutive writes keep failing, and lets a single probe through after
// the open timeout.
type CircuitBreakerClient struct {
	next    Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func NewCircuitBreakerClient(next Client, failures int, openTimeout time.Duration, logger log.Logger) *CircuitBreakerClient {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CircuitBreakerClient{
		next: next,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "index",
			MaxRequests: 1,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(failures)
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				level.Warn(logger).Log("msg", "circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (c *CircuitBreakerClient) Write(ctx context.Context, docs []Document) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.next.Write(ctx, docs)
	})
	return err
}

// RateLimitedClient caps the number of documents written per second.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

func NewRateLimitedClient(next Client, docsPerSecond float64, burst int) *RateLimitedClient {
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(docsPerSecond), burst),
	}
}

func (c *RateLimitedClient) Write(ctx context.Context, docs []Document) error {
	// WaitN rejects requests larger than the burst, so reserve in chunks.
	for n := len(docs); n > 0; {
		take := min(n, c.limiter.Burst())
		if err := c.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return c.next.Write(ctx, docs)
}

// InstrumentedClient records latency, outcome and volume of writes.
type InstrumentedClient struct {
	next     Client
	backend  string
	duration *instrument.HistogramCollector
	docs     prometheus.Counter
	failed   prometheus.Counter
}

func NewInstrumentedClient(next Client, backend string, reg prometheus.Registerer) *InstrumentedClient {
	labels := prometheus.Labels{"backend": backend}
	return &InstrumentedClient{
		next:    next,
		backend: backend,
		duration: instrument.NewHistogramCollector(promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "tuplestream",
			Name:        "index_write_duration_seconds",
			Help:        "Time spent writing one batch of documents.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"operation", "status_code"})),
		docs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "tuplestream",
			Name:        "index_documents_written_total",
			Help:        "Documents successfully written.",
			ConstLabels: labels,
		}),
		failed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "tuplestream",
			Name:        "index_batches_failed_total",
			Help:        "Batches whose write failed.",
			ConstLabels: labels,
		}),
	}
}

func (c *InstrumentedClient) Write(ctx context.Context, docs []Document) error {
	err := instrument.CollectedRequest(ctx, "index.Write", c.duration, instrument.ErrorCode, func(ctx context.Context) error {
		return c.next.Write(ctx, docs)
	})
	if err != nil {
		c.failed.Inc()
		return err
	}
	c.docs.Add(float64(len(docs)))
	return nil
}
