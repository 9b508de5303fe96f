package stream

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-kit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
)

// Leaf reads the rows of one query against one replica. When its partition
// spec is enabled the query carries the hash predicate, so the replica only
// returns the rows owned by that worker.
type Leaf struct {
	client source.Client
	addr   string
	params url.Values
	spec   partition.Spec
	logger log.Logger

	rows source.Rows
	err  error
	done bool
}

func NewLeaf(client source.Client, addr string, params url.Values, spec partition.Spec, logger log.Logger) *Leaf {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Leaf{
		client: client,
		addr:   addr,
		params: params,
		spec:   spec,
		logger: logger,
	}
}

func (l *Leaf) Addr() string { return l.addr }

// Params returns the parameters the leaf sends, including the predicate.
func (l *Leaf) Params() url.Values {
	return ParamsWithFilter(l.params, l.spec)
}

func (l *Leaf) Open(ctx context.Context) error {
	if l.rows != nil {
		return ErrAlreadyOpen
	}
	ctx, span := tracer.Start(ctx, "Leaf.Open", trace.WithAttributes(
		attribute.String("addr", l.addr),
		attribute.Bool("partitioned", l.spec.Enabled()),
	))
	defer span.End()

	rows, err := l.client.Query(ctx, l.addr, l.Params())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query replica")
		return fmt.Errorf("open %s: %w", l.addr, err)
	}
	l.rows, l.err, l.done = rows, nil, false
	return nil
}

func (l *Leaf) Read(_ context.Context) (*tuple.Tuple, error) {
	switch {
	case l.rows == nil:
		return nil, ErrNotOpen
	case l.err != nil:
		return nil, l.err
	case l.done:
		return tuple.NewEOF(), nil
	}

	if l.rows.Next() {
		return l.rows.At(), nil
	}
	if err := l.rows.Err(); err != nil {
		l.err = fmt.Errorf("read %s: %w", l.addr, err)
		return nil, l.err
	}
	l.done = true
	return tuple.NewEOF(), nil
}

func (l *Leaf) Close() error {
	if l.rows == nil {
		return nil
	}
	err := l.rows.Close()
	l.rows = nil
	return err
}

func (l *Leaf) Children() []Stream { return nil }
