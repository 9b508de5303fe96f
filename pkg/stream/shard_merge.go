package stream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/tuplestream/pkg/cluster"
	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
)

type ShardMergeOptions struct {
	Collection string
	Params     url.Values
	Comparator tuple.Comparator
	Partition  partition.Spec
	// OpenConcurrency bounds how many leaves are opened at once. Zero opens
	// all of them at once.
	OpenConcurrency int
	// Rand picks replicas. Nil uses the global source.
	Rand    *rand.Rand
	Logger  log.Logger
	Metrics *Metrics
}

// ShardMerge queries every partition of a collection through one randomly
// chosen replica and merges the sorted results into one sorted stream. Each
// replica must already return rows ordered by the comparator; when the
// caller does not ask for a sort, the comparator is sent as the sort.
type ShardMerge struct {
	dir    cluster.Directory
	client source.Client
	opts   ShardMergeOptions
	logger log.Logger
	m      *Metrics

	opened bool
	cancel context.CancelFunc
	leaves []*Leaf
	merge  *merger
	err    error
}

func NewShardMerge(dir cluster.Directory, client source.Client, opts ShardMergeOptions) *ShardMerge {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ShardMerge{
		dir:    dir,
		client: client,
		opts:   opts,
		logger: log.With(logger, "stream", "shard_merge", "collection", opts.Collection),
		m:      metricsOrNop(opts.Metrics),
	}
}

// Leaves returns the leaves of the current open, in merge order.
func (s *ShardMerge) Leaves() []*Leaf { return s.leaves }

func (s *ShardMerge) params() url.Values {
	q := source.CloneParams(s.opts.Params)
	q.Set(source.ParamDistrib, "false")
	if q.Get(source.ParamSort) == "" && len(s.opts.Comparator) > 0 {
		q.Set(source.ParamSort, s.opts.Comparator.String())
	}
	return q
}

func (s *ShardMerge) pick(replicas []string) string {
	if s.opts.Rand != nil {
		return replicas[s.opts.Rand.IntN(len(replicas))]
	}
	return replicas[rand.IntN(len(replicas))]
}

func (s *ShardMerge) Open(ctx context.Context) error {
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true

	ctx, span := tracer.Start(ctx, "ShardMerge.Open", trace.WithAttributes(
		attribute.String("collection", s.opts.Collection),
		attribute.Int("workers", s.opts.Partition.Workers),
		attribute.Int("worker", s.opts.Partition.Worker),
	))
	defer span.End()

	if err := s.open(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open shard merge")
		return err
	}
	return nil
}

func (s *ShardMerge) open(ctx context.Context, span trace.Span) error {
	if err := s.opts.Partition.Validate(); err != nil {
		return err
	}
	parts, err := s.dir.Partitions(ctx, s.opts.Collection)
	if err != nil {
		return fmt.Errorf("resolve collection %s: %w", s.opts.Collection, err)
	}
	span.AddEvent("resolved partitions", trace.WithAttributes(attribute.Int("partitions", len(parts))))

	q := s.params()
	s.leaves = make([]*Leaf, 0, len(parts))
	for _, p := range parts {
		if len(p.Replicas) == 0 {
			return fmt.Errorf("partition %s of %s has no replicas", p.Name, s.opts.Collection)
		}
		addr := s.pick(p.Replicas)
		s.leaves = append(s.leaves, NewLeaf(s.client, addr, q, s.opts.Partition, s.logger))
	}

	var leafCtx context.Context
	leafCtx, s.cancel = context.WithCancel(ctx)

	conc := s.opts.OpenConcurrency
	if conc <= 0 || conc > len(s.leaves) {
		conc = max(len(s.leaves), 1)
	}
	firsts := make([]*tuple.Tuple, len(s.leaves))
	err = concurrency.ForEachJob(ctx, len(s.leaves), conc, func(_ context.Context, idx int) error {
		leaf := s.leaves[idx]
		if err := leaf.Open(leafCtx); err != nil {
			s.m.leafFailures.Inc()
			return err
		}
		s.m.leavesOpened.Inc()
		t, err := leaf.Read(leafCtx)
		if err != nil {
			s.m.leafFailures.Inc()
			return err
		}
		firsts[idx] = t
		return nil
	})
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to open partitions", "err", err)
		s.cancel()
		_ = s.closeLeaves()
		return err
	}

	span.AddEvent("opened leaves")
	level.Debug(s.logger).Log("msg", "opened partitions", "partitions", len(s.leaves), "sort", q.Get(source.ParamSort), "partition", s.opts.Partition)
	children := make([]Stream, len(s.leaves))
	for i, l := range s.leaves {
		children[i] = l
	}
	s.merge = newMerger(s.opts.Comparator, children, firsts)
	return nil
}

func (s *ShardMerge) Read(ctx context.Context) (*tuple.Tuple, error) {
	switch {
	case s.err != nil:
		return nil, s.err
	case s.merge == nil:
		return nil, ErrNotOpen
	}

	t, err := s.merge.next(ctx)
	if err != nil {
		s.m.leafFailures.Inc()
		s.err = err
		return nil, err
	}
	if t == nil {
		return tuple.NewEOF(), nil
	}
	s.m.tuplesMerged.Inc()
	return t, nil
}

func (s *ShardMerge) closeLeaves() error {
	errs := multierror.New()
	for _, l := range s.leaves {
		errs.Add(l.Close())
	}
	return errs.Err()
}

func (s *ShardMerge) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.closeLeaves()
	s.opened, s.cancel, s.merge, s.err = false, nil, nil, nil
	return err
}

// Children returns the leaves of the current open.
func (s *ShardMerge) Children() []Stream {
	out := make([]Stream, len(s.leaves))
	for i, l := range s.leaves {
		out[i] = l
	}
	return out
}
