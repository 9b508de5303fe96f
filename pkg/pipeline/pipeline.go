// Package pipeline assembles stream operators from configuration and runs
// them to completion.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/tuplestream/pkg/cluster"
	"github.com/grafana/tuplestream/pkg/index"
	"github.com/grafana/tuplestream/pkg/metric"
	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/stream"
	"github.com/grafana/tuplestream/pkg/tuple"
)

// Deps are the backends a pipeline reads from and writes to.
type Deps struct {
	Directory cluster.Directory
	Source    source.Client
	// Index is only required when the query writes documents back.
	Index   index.Client
	Metrics *stream.Metrics
	Logger  log.Logger
}

// Params returns the query parameters sent to every replica.
func (cfg *QueryConfig) Params() url.Values {
	q := url.Values{}
	if cfg.Query != "" {
		q.Set(source.ParamQuery, cfg.Query)
	}
	for _, fq := range cfg.Filters {
		if fq = strings.TrimSpace(fq); fq != "" {
			q.Add(source.ParamFilter, fq)
		}
	}
	if cfg.Fields != "" {
		q.Set(source.ParamFields, cfg.Fields)
	}
	return q
}

// Build composes the stream tree described by cfg:
//
//	[BatchWrite] <- [Summary] <- GroupAggregate? <- ShardMerge
//
// With workers set, the merge and the grouping run once per worker under a
// PartitionedReduce whose combiner merges the per worker buckets.
func Build(cfg QueryConfig, deps Deps) (stream.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var cmp tuple.Comparator
	if cfg.Sort != "" {
		var err error
		if cmp, err = tuple.ParseComparator(cfg.Sort); err != nil {
			return nil, err
		}
	}
	templates, err := metric.ParseAll(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	buckets := stream.ParseBuckets(cfg.Buckets)
	grouping := len(templates) > 0

	merge := stream.ShardMergeWorkers(deps.Directory, deps.Source, stream.ShardMergeOptions{
		Collection:      cfg.Collection,
		Params:          cfg.Params(),
		Comparator:      cmp,
		OpenConcurrency: cfg.OpenConcurrency,
		Logger:          logger,
		Metrics:         deps.Metrics,
	})
	worker := func(spec partition.Spec) (stream.Stream, error) {
		s, err := merge(spec)
		if err != nil {
			return nil, err
		}
		if grouping {
			s = stream.NewGroupAggregate(s, buckets, templates, cfg.OutputField, logger, deps.Metrics)
		}
		return s, nil
	}

	var root stream.Stream
	if cfg.Workers > 0 {
		opts := stream.PartitionedReduceOptions{
			Workers:    cfg.Workers,
			Keys:       cfg.PartitionKeys,
			Comparator: cmp,
			Logger:     logger,
		}
		if grouping {
			opts.Combiner = stream.MergeCombiner(cfg.OutputField, templates)
		}
		root = stream.NewPartitionedReduce(worker, opts)
	} else if root, err = worker(partition.Spec{}); err != nil {
		return nil, err
	}

	if cfg.Summary {
		root = stream.NewSummary(root)
	}
	if cfg.BatchSize > 0 {
		if deps.Index == nil {
			return nil, fmt.Errorf("batch size %d set but no index client configured", cfg.BatchSize)
		}
		root = stream.NewBatchWrite(root, deps.Index, stream.BatchWriteOptions{
			BatchSize: cfg.BatchSize,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
			Metrics:   deps.Metrics,
		})
	}
	return root, nil
}

// Run opens s, hands every data tuple to fn and closes s. It returns the end
// tuple. A failing fn stops the run.
func Run(ctx context.Context, s stream.Stream, fn func(*tuple.Tuple) error) (*tuple.Tuple, error) {
	if err := s.Open(ctx); err != nil {
		return nil, multierror.New(err, s.Close()).Err()
	}
	for {
		t, err := s.Read(ctx)
		if err != nil {
			return nil, multierror.New(err, s.Close()).Err()
		}
		if t.EOF {
			return t, s.Close()
		}
		if err := fn(t); err != nil {
			return nil, multierror.New(err, s.Close()).Err()
		}
	}
}

// Pipeline owns the backends built from a Config and the stream tree reading
// through them.
type Pipeline struct {
	cfg     Config
	logger  log.Logger
	deps    Deps
	closers []io.Closer
	root    stream.Stream
}

// New builds the backends described by cfg and the stream tree of its query.
func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Pipeline{cfg: cfg, logger: logger}

	dir, err := cluster.New(cfg.Directory, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("init directory: %w", err)
	}
	p.track(dir)

	src, err := source.New(cfg.Source, logger)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("init source: %w", err)
	}

	var idx index.Client
	if cfg.Query.BatchSize > 0 {
		if idx, err = index.New(cfg.Index, reg, logger); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("init index: %w", err)
		}
		p.track(idx)
	}

	p.deps = Deps{
		Directory: dir,
		Source:    src,
		Index:     idx,
		Metrics:   stream.NewMetrics(reg),
		Logger:    logger,
	}
	if p.root, err = Build(cfg.Query, p.deps); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) track(x any) {
	if c, ok := x.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
}

// Root returns the stream tree of the query.
func (p *Pipeline) Root() stream.Stream { return p.root }

// Run executes the query once, bounded by the configured timeout.
func (p *Pipeline) Run(ctx context.Context, fn func(*tuple.Tuple) error) (*tuple.Tuple, error) {
	if p.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Query.Timeout)
		defer cancel()
	}

	rows := 0
	eof, err := Run(ctx, p.root, func(t *tuple.Tuple) error {
		rows++
		return fn(t)
	})
	if err != nil {
		level.Error(p.logger).Log("msg", "pipeline failed", "collection", p.cfg.Query.Collection, "rows", rows, "err", err)
		return nil, err
	}
	level.Info(p.logger).Log("msg", "pipeline finished", "collection", p.cfg.Query.Collection, "rows", rows)
	return eof, nil
}

// Close releases the backends.
func (p *Pipeline) Close() error {
	errs := multierror.New()
	for _, c := range p.closers {
		errs.Add(c.Close())
	}
	p.closers = nil
	return errs.Err()
}
