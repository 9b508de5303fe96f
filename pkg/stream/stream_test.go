package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/tuplestream/pkg/metric"
	"github.com/grafana/tuplestream/pkg/tuple"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errBoom = errors.New("boom")

func row(kv ...any) *tuple.Tuple {
	t := tuple.New()
	for i := 0; i < len(kv); i += 2 {
		v, err := tuple.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		t.Set(kv[i].(string), v)
	}
	return t
}

func ids(t *testing.T, rows []*tuple.Tuple) []int64 {
	t.Helper()
	out := make([]int64, len(rows))
	for i, r := range rows {
		id, err := r.GetInt("id")
		require.NoError(t, err)
		out[i] = id
	}
	return out
}

// sliceStream replays fixed rows.
type sliceStream struct {
	rows    []*tuple.Tuple
	eof     *tuple.Tuple
	openErr error
	readErr error

	pos    int
	open   bool
	opens  int
	closes int
}

func newSliceStream(rows ...*tuple.Tuple) *sliceStream {
	return &sliceStream{rows: rows}
}

func (s *sliceStream) Open(context.Context) error {
	s.opens++
	if s.openErr != nil {
		return s.openErr
	}
	s.open, s.pos = true, 0
	return nil
}

func (s *sliceStream) Read(context.Context) (*tuple.Tuple, error) {
	if !s.open {
		return nil, ErrNotOpen
	}
	if s.pos < len(s.rows) {
		s.pos++
		return s.rows[s.pos-1], nil
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	if s.eof != nil {
		return s.eof, nil
	}
	return tuple.NewEOF(), nil
}

func (s *sliceStream) Close() error {
	s.closes++
	s.open = false
	return nil
}

func (s *sliceStream) Children() []Stream { return nil }

func TestWalk(t *testing.T) {
	leaf := newSliceStream()
	group := NewGroupAggregate(leaf, nil, []metric.Metric{metric.NewCount()}, "out", nil, nil)
	root := NewSummary(group)

	var visited []Stream
	require.True(t, Walk(root, func(s Stream) bool {
		visited = append(visited, s)
		return true
	}))
	require.Equal(t, []Stream{root, group, leaf}, visited)

	visited = visited[:0]
	require.False(t, Walk(root, func(s Stream) bool {
		visited = append(visited, s)
		return s != group
	}))
	require.Equal(t, []Stream{root, group}, visited)
}

func TestCollect(t *testing.T) {
	t.Run("reads to the end and closes", func(t *testing.T) {
		s := newSliceStream(row("id", 1), row("id", 2))
		s.eof = row("total", 2)
		s.eof.EOF = true

		rows, eof, err := Collect(context.Background(), s)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 2}, ids(t, rows))
		require.True(t, eof.EOF)
		require.Equal(t, `{"total":2,"EOF":true}`, eof.String())
		require.Equal(t, 1, s.closes)
	})

	t.Run("closes after failed open", func(t *testing.T) {
		s := newSliceStream()
		s.openErr = errBoom
		_, _, err := Collect(context.Background(), s)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, 1, s.closes)
	})

	t.Run("closes after failed read", func(t *testing.T) {
		s := newSliceStream(row("id", 1))
		s.readErr = errBoom
		rows, eof, err := Collect(context.Background(), s)
		require.ErrorIs(t, err, errBoom)
		require.Nil(t, eof)
		require.Len(t, rows, 1)
		require.Equal(t, 1, s.closes)
	})
}

func TestSummary(t *testing.T) {
	in := newSliceStream(row("cat", "A", "v", 4), row("cat", "A", "v", 2))
	s := NewSummary(NewGroupAggregate(in, ParseBuckets([]string{"cat"}), []metric.Metric{metric.NewSum("v", false)}, "groups", nil, nil))

	rows, eof, err := Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].EOF)
	require.Equal(t, `{"groups":{"A":{"sum(v,int)":{"sum":6}}}}`, rows[0].String())
	require.True(t, eof.EOF)
	require.Equal(t, 1, in.closes)
}

func TestReadBeforeOpen(t *testing.T) {
	for name, s := range map[string]Stream{
		"summary":         NewSummary(newSliceStream()),
		"group aggregate": NewGroupAggregate(newSliceStream(), nil, nil, "out", nil, nil),
		"batch write":     NewBatchWrite(newSliceStream(), nil, BatchWriteOptions{BatchSize: 1}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(context.Background())
			require.ErrorIs(t, err, ErrNotOpen)
			require.NoError(t, s.Close())
		})
	}
}
