package stream

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/grafana/tuplestream/pkg/index"
	"github.com/grafana/tuplestream/pkg/tuple"
)

const DefaultWriteQueueSize = 16

type BatchWriteOptions struct {
	BatchSize int
	// QueueSize bounds the batches waiting for the writer. Once it is full
	// Read blocks until the writer catches up.
	QueueSize int
	Logger    log.Logger
	Metrics   *Metrics
}

// BatchWrite converts the rows of its input into documents and writes them
// in batches from a background goroutine. For every batch it hands to the
// writer it returns an empty acknowledgement tuple instead of the rows, so a
// consumer reads ceil(N/BatchSize) tuples for N input rows, then the input's
// end tuple. The end tuple is only returned once every batch is written.
type BatchWrite struct {
	in     Stream
	client index.Client
	opts   BatchWriteOptions
	logger log.Logger
	m      *Metrics

	opened bool
	cancel context.CancelFunc
	queue  chan []index.Document
	failed chan struct{} // closed when a write fails
	done   chan struct{} // closed when the writer exits
	werr   error         // set by the writer before failed is closed

	batch      []index.Document
	pendingEOF *tuple.Tuple
	eof        *tuple.Tuple
	err        error

	enqueued atomic.Int64
	written  atomic.Int64
}

func NewBatchWrite(in Stream, client index.Client, opts BatchWriteOptions) *BatchWrite {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultWriteQueueSize
	}
	return &BatchWrite{
		in:     in,
		client: client,
		opts:   opts,
		logger: log.With(logger, "stream", "batch_write"),
		m:      metricsOrNop(opts.Metrics),
	}
}

// Enqueued returns the number of batches handed to the writer.
func (b *BatchWrite) Enqueued() int64 { return b.enqueued.Load() }

// Written returns the number of documents committed by the writer.
func (b *BatchWrite) Written() int64 { return b.written.Load() }

func (b *BatchWrite) Open(ctx context.Context) error {
	if b.opened {
		return ErrAlreadyOpen
	}
	b.opened = true

	if b.opts.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", b.opts.BatchSize)
	}
	if err := b.in.Open(ctx); err != nil {
		return err
	}

	var wctx context.Context
	wctx, b.cancel = context.WithCancel(ctx)
	b.queue = make(chan []index.Document, b.opts.QueueSize)
	b.failed = make(chan struct{})
	b.done = make(chan struct{})
	b.batch = make([]index.Document, 0, b.opts.BatchSize)
	b.enqueued.Store(0)
	b.written.Store(0)

	go b.run(wctx)
	return nil
}

// run writes batches in queue order until it receives the empty batch, a
// write fails or ctx is canceled.
func (b *BatchWrite) run(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-b.queue:
			b.m.queueLength.Dec()
			if len(batch) == 0 {
				return
			}
			if err := b.write(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.m.writeFailures.Inc()
				level.Error(b.logger).Log("msg", "batch write failed, stopping writer", "docs", len(batch), "err", err)
				b.werr = fmt.Errorf("%w: %w", ErrWriterStopped, err)
				close(b.failed)
				return
			}
			b.written.Add(int64(len(batch)))
			b.m.batchesWritten.Inc()
			b.m.documentsWritten.Add(float64(len(batch)))
		}
	}
}

func (b *BatchWrite) write(ctx context.Context, batch []index.Document) error {
	ctx, span := tracer.Start(ctx, "BatchWrite.write", trace.WithAttributes(
		attribute.Int("docs", len(batch)),
	))
	defer span.End()

	if err := b.client.Write(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write batch")
		return err
	}
	return nil
}

// enqueue blocks until the writer has room for batch.
func (b *BatchWrite) enqueue(ctx context.Context, batch []index.Document) error {
	b.m.queueLength.Inc()
	select {
	case b.queue <- batch:
		if len(batch) > 0 {
			b.enqueued.Inc()
			b.m.batchesEnqueued.Inc()
		}
		return nil
	case <-b.failed:
		b.m.queueLength.Dec()
		return b.werr
	case <-b.done:
		b.m.queueLength.Dec()
		if b.werr != nil {
			return b.werr
		}
		return ErrWriterStopped
	case <-ctx.Done():
		b.m.queueLength.Dec()
		return ctx.Err()
	}
}

func (b *BatchWrite) fail(err error) (*tuple.Tuple, error) {
	b.err = err
	return nil, err
}

func (b *BatchWrite) Read(ctx context.Context) (*tuple.Tuple, error) {
	switch {
	case b.err != nil:
		return nil, b.err
	case b.done == nil:
		return nil, ErrNotOpen
	case b.eof != nil:
		return b.eof, nil
	}

	select {
	case <-b.failed:
		return b.fail(b.werr)
	default:
	}

	if b.pendingEOF != nil {
		return b.finish(ctx)
	}

	for {
		t, err := b.in.Read(ctx)
		if err != nil {
			return b.fail(err)
		}
		if t.EOF {
			b.pendingEOF = t
			if len(b.batch) == 0 {
				return b.finish(ctx)
			}
			if err := b.flush(ctx); err != nil {
				return b.fail(err)
			}
			return tuple.New(), nil
		}

		b.batch = append(b.batch, index.Document(t.ToDocument()))
		if len(b.batch) >= b.opts.BatchSize {
			if err := b.flush(ctx); err != nil {
				return b.fail(err)
			}
			return tuple.New(), nil
		}
	}
}

func (b *BatchWrite) flush(ctx context.Context) error {
	batch := b.batch
	b.batch = make([]index.Document, 0, b.opts.BatchSize)
	return b.enqueue(ctx, batch)
}

// finish stops the writer and waits for it to drain the queue.
func (b *BatchWrite) finish(ctx context.Context) (*tuple.Tuple, error) {
	if err := b.enqueue(ctx, []index.Document{}); err != nil {
		return b.fail(err)
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return b.fail(ctx.Err())
	}
	if b.werr != nil {
		return b.fail(b.werr)
	}

	level.Debug(b.logger).Log("msg", "writer drained", "batches", b.enqueued.Load(), "docs", b.written.Load())
	b.eof = b.pendingEOF
	return b.eof, nil
}

func (b *BatchWrite) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	errs := multierror.New()
	if b.done != nil {
		<-b.done
		errs.Add(b.werr)
	}
	errs.Add(b.in.Close())

	b.opened, b.cancel, b.queue, b.failed, b.done, b.werr = false, nil, nil, nil, nil, nil
	b.batch, b.pendingEOF, b.eof, b.err = nil, nil, nil, nil
	return errs.Err()
}

func (b *BatchWrite) Children() []Stream { return []Stream{b.in} }
