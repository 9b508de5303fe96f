// Package stream implements pull-based operators over tuples. A pipeline is a
// tree of streams; the caller opens the root, reads until it returns an end
// tuple and closes it. Every operator pulls from its children on demand.
package stream

import (
	"context"
	"errors"

	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/grafana/tuplestream/pkg/tuple"
)

var tracer = otel.Tracer("pkg/stream")

var (
	ErrAlreadyOpen   = errors.New("stream already open")
	ErrNotOpen       = errors.New("stream not open")
	ErrWriterStopped = errors.New("batch writer stopped")
)

// Stream is one operator of a pipeline.
//
// Open acquires resources; the context passed to it bounds the lifetime of
// those resources, not just the call. Read returns the next tuple, exactly one
// of which has EOF set; reading past it is undefined. Close releases
// everything and is safe after a failed Open. A stream is single-owner and
// must not be read concurrently.
type Stream interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*tuple.Tuple, error)
	Close() error
	// Children exposes the tree for lifecycle management only.
	Children() []Stream
}

// Walk visits s and its descendants depth first until fn returns false.
func Walk(s Stream, fn func(Stream) bool) bool {
	if !fn(s) {
		return false
	}
	for _, c := range s.Children() {
		if !Walk(c, fn) {
			return false
		}
	}
	return true
}

// Collect opens s, reads it to the end and closes it. It returns the data
// tuples and the end tuple.
func Collect(ctx context.Context, s Stream) ([]*tuple.Tuple, *tuple.Tuple, error) {
	if err := s.Open(ctx); err != nil {
		errs := multierror.New(err)
		errs.Add(s.Close())
		return nil, nil, errs.Err()
	}

	var rows []*tuple.Tuple
	for {
		t, err := s.Read(ctx)
		if err != nil {
			errs := multierror.New(err)
			errs.Add(s.Close())
			return rows, nil, errs.Err()
		}
		if t.EOF {
			return rows, t, s.Close()
		}
		rows = append(rows, t)
	}
}

// Metrics are shared by all operators of a process.
type Metrics struct {
	leavesOpened     prometheus.Counter
	leafFailures     prometheus.Counter
	tuplesMerged     prometheus.Counter
	buckets          prometheus.Histogram
	metricErrors     prometheus.Counter
	batchesEnqueued  prometheus.Counter
	batchesWritten   prometheus.Counter
	documentsWritten prometheus.Counter
	writeFailures    prometheus.Counter
	queueLength      prometheus.Gauge
}

// NewMetrics registers the operator metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		leavesOpened: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "leaves_opened_total",
			Help:      "Replica queries opened by merge streams.",
		}),
		leafFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "leaf_failures_total",
			Help:      "Replica queries that failed while opening or reading.",
		}),
		tuplesMerged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "tuples_merged_total",
			Help:      "Tuples emitted by merge streams.",
		}),
		buckets: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "tuplestream",
			Name:      "group_buckets",
			Help:      "Number of buckets finalized by one grouping stream.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		metricErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "metric_update_errors_total",
			Help:      "Rows that failed a metric update.",
		}),
		batchesEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "write_batches_enqueued_total",
			Help:      "Batches handed to the background writer.",
		}),
		batchesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "write_batches_written_total",
			Help:      "Batches committed by the background writer.",
		}),
		documentsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "write_documents_written_total",
			Help:      "Documents committed by the background writer.",
		}),
		writeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "tuplestream",
			Name:      "write_failures_total",
			Help:      "Background writers stopped by a failed batch.",
		}),
		queueLength: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "tuplestream",
			Name:      "write_queue_length",
			Help:      "Batches waiting for the background writer.",
		}),
	}
}

func metricsOrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
