package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/tuplestream/pkg/cluster"
	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
)

// WorkerFactory builds the pipeline of one worker. The spec restricts the
// worker to the keys it owns.
type WorkerFactory func(spec partition.Spec) (Stream, error)

// Combiner folds the end tuples of all workers into the final end tuple.
type Combiner func(eofs []*tuple.Tuple) (*tuple.Tuple, error)

// ShardMergeWorkers returns a factory whose workers each merge the whole
// collection, restricted by the worker's hash predicate.
func ShardMergeWorkers(dir cluster.Directory, client source.Client, opts ShardMergeOptions) WorkerFactory {
	return func(spec partition.Spec) (Stream, error) {
		o := opts
		o.Params = source.CloneParams(opts.Params)
		o.Partition = spec
		if o.Logger != nil {
			o.Logger = log.With(o.Logger, "worker", spec.Worker)
		}
		return NewShardMerge(dir, client, o), nil
	}
}

type PartitionedReduceOptions struct {
	Workers    int
	Keys       []string
	Comparator tuple.Comparator
	// Combiner merges the workers' end tuples. Nil emits an empty end tuple.
	Combiner Combiner
	Logger   log.Logger
}

// PartitionedReduce runs one pipeline per worker, each seeing only the keys
// assigned to it by partition.Assign, so no key is split across workers.
// Workers are built by the constructor and opened concurrently; their outputs
// are merged in comparator order on the calling goroutine and their end
// tuples are combined.
type PartitionedReduce struct {
	opts   PartitionedReduceOptions
	logger log.Logger

	// buildErr is reported by Open when the workers could not be built.
	buildErr error
	workers  []Stream

	opened bool
	cancel context.CancelFunc
	merge  *merger
	err    error
	done   bool
}

func NewPartitionedReduce(factory WorkerFactory, opts PartitionedReduceOptions) *PartitionedReduce {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &PartitionedReduce{
		opts:   opts,
		logger: log.With(logger, "stream", "partitioned_reduce"),
	}
	p.workers, p.buildErr = buildWorkers(factory, p.spec())
	return p
}

func buildWorkers(factory WorkerFactory, base partition.Spec) ([]Stream, error) {
	if base.Workers <= 0 {
		return nil, errors.New("partitioned reduce requires at least one worker")
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	workers := make([]Stream, base.Workers)
	for w := range workers {
		s, err := factory(base.ForWorker(w))
		if err != nil {
			return nil, fmt.Errorf("build worker %d: %w", w, err)
		}
		workers[w] = s
	}
	return workers, nil
}

func (p *PartitionedReduce) spec() partition.Spec {
	return partition.Spec{Workers: p.opts.Workers, Keys: p.opts.Keys}
}

func (p *PartitionedReduce) Open(ctx context.Context) error {
	if p.opened {
		return ErrAlreadyOpen
	}
	p.opened = true

	if p.buildErr != nil {
		return p.buildErr
	}

	var runCtx context.Context
	runCtx, p.cancel = context.WithCancel(ctx)

	firsts := make([]*tuple.Tuple, len(p.workers))
	var g errgroup.Group
	for w, s := range p.workers {
		g.Go(func() error {
			if err := s.Open(runCtx); err != nil {
				return fmt.Errorf("open worker %d: %w", w, err)
			}
			t, err := s.Read(runCtx)
			if err != nil {
				return fmt.Errorf("read worker %d: %w", w, err)
			}
			firsts[w] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		level.Warn(p.logger).Log("msg", "failed to open workers", "err", err)
		p.cancel()
		_ = p.closeWorkers()
		return err
	}

	level.Debug(p.logger).Log("msg", "opened workers", "workers", len(p.workers), "keys", fmt.Sprint(p.opts.Keys))
	p.merge = newMerger(p.opts.Comparator, p.workers, firsts)
	return nil
}

func (p *PartitionedReduce) Read(ctx context.Context) (*tuple.Tuple, error) {
	switch {
	case p.err != nil:
		return nil, p.err
	case p.merge == nil:
		return nil, ErrNotOpen
	case p.done:
		return tuple.NewEOF(), nil
	}

	t, err := p.merge.next(ctx)
	if err != nil {
		p.err = err
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	p.done = true
	if p.opts.Combiner == nil {
		return tuple.NewEOF(), nil
	}
	eof, err := p.opts.Combiner(p.merge.eofs)
	if err != nil {
		p.err = fmt.Errorf("combine worker results: %w", err)
		return nil, p.err
	}
	eof.EOF = true
	return eof, nil
}

func (p *PartitionedReduce) closeWorkers() error {
	errs := multierror.New()
	for _, s := range p.workers {
		if s != nil {
			errs.Add(s.Close())
		}
	}
	return errs.Err()
}

func (p *PartitionedReduce) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	err := p.closeWorkers()
	p.opened, p.cancel, p.merge, p.err, p.done = false, nil, nil, nil, false
	return err
}

func (p *PartitionedReduce) Children() []Stream { return p.workers }

// ParamsWithFilter returns params plus the predicate of spec; it is the
// query a worker of spec sends to each replica.
func ParamsWithFilter(params url.Values, spec partition.Spec) url.Values {
	q := source.CloneParams(params)
	if spec.Enabled() {
		q.Add(source.ParamFilter, spec.Filter())
	}
	return q
}
