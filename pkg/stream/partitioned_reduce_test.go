package stream

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tuplestream/pkg/metric"
	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
)

func TestPartitionedReduceMatchesSingleAggregation(t *testing.T) {
	mem := source.NewMemory()
	cats := []string{"api", "db", "cache", "queue", "auth", "web", "batch"}
	for i := 0; i < 60; i++ {
		mem.Add(fmt.Sprintf("r%d", i%3), row("id", i, "cat", cats[(i*7)%len(cats)], "v", (i%11)-3))
	}
	dir := directory(part("p0", "r0"), part("p1", "r1"), part("p2", "r2"))

	cmp := tuple.MustParseComparator("id asc")
	buckets := ParseBuckets([]string{"cat"})
	templates, err := metric.ParseAll([]string{"count", "sum(v,int)", "mean(v)", "min(v)", "max(v)"})
	require.NoError(t, err)
	opts := ShardMergeOptions{Collection: "logs", Params: url.Values{"q": {"*:*"}}, Comparator: cmp}

	single := NewGroupAggregate(NewShardMerge(dir, mem, opts), buckets, templates, "groups", nil, nil)
	wantRows, wantEOF, err := Collect(context.Background(), single)
	require.NoError(t, err)

	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			shards := ShardMergeWorkers(dir, mem, opts)
			var specs []partition.Spec
			factory := func(spec partition.Spec) (Stream, error) {
				specs = append(specs, spec)
				inner, err := shards(spec)
				if err != nil {
					return nil, err
				}
				return NewGroupAggregate(inner, buckets, templates, "groups", nil, nil), nil
			}

			p := NewPartitionedReduce(factory, PartitionedReduceOptions{
				Workers:    workers,
				Keys:       []string{"cat"},
				Comparator: cmp,
				Combiner:   MergeCombiner("groups", templates),
			})
			rows, eof, err := Collect(context.Background(), p)
			require.NoError(t, err)
			require.Equal(t, ids(t, wantRows), ids(t, rows))
			require.Equal(t, wantEOF.String(), eof.String())
			require.Zero(t, mem.Open())

			require.Len(t, specs, workers)
			for w, spec := range specs {
				require.Equal(t, partition.Spec{Workers: workers, Worker: w, Keys: []string{"cat"}}, spec)
			}
		})
	}
}

func TestPartitionedReduceSplitsKeys(t *testing.T) {
	mem := source.NewMemory()
	for i := 0; i < 20; i++ {
		mem.Add("r0", row("id", i, "cat", fmt.Sprintf("c%d", i%5)))
	}
	dir := directory(part("p0", "r0"))
	cmp := tuple.MustParseComparator("id asc")

	base := partition.Spec{Workers: 3, Keys: []string{"cat"}}
	shards := ShardMergeWorkers(dir, mem, ShardMergeOptions{Collection: "logs", Comparator: cmp})

	owners := map[string]int{}
	total := 0
	for w := range base.Workers {
		s, err := shards(base.ForWorker(w))
		require.NoError(t, err)
		rows, _, err := Collect(context.Background(), s)
		require.NoError(t, err)
		total += len(rows)
		for _, r := range rows {
			cat, err := r.GetString("cat")
			require.NoError(t, err)
			if prev, ok := owners[cat]; ok {
				require.Equal(t, prev, w, "key %s seen by two workers", cat)
			}
			owners[cat] = w
		}
	}
	require.Equal(t, 20, total)
	require.Len(t, owners, 5)

	for _, q := range mem.Queries("r0") {
		require.Len(t, q[source.ParamFilter], 1)
		require.True(t, strings.HasPrefix(q.Get(source.ParamFilter), "{!hash workers=3 "))
	}
}

func TestPartitionedReduceOpenFailure(t *testing.T) {
	var streams []*sliceStream
	factory := func(spec partition.Spec) (Stream, error) {
		s := newSliceStream(row("id", spec.Worker))
		if spec.Worker == 1 {
			s.openErr = errBoom
		}
		streams = append(streams, s)
		return s, nil
	}

	p := NewPartitionedReduce(factory, PartitionedReduceOptions{Workers: 3, Keys: []string{"id"}})
	require.ErrorIs(t, p.Open(context.Background()), errBoom)
	for _, s := range streams {
		require.Equal(t, 1, s.closes)
		require.False(t, s.open)
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPartitionedReduceOptions(t *testing.T) {
	noop := func(partition.Spec) (Stream, error) { return newSliceStream(), nil }

	t.Run("no workers", func(t *testing.T) {
		p := NewPartitionedReduce(noop, PartitionedReduceOptions{Keys: []string{"id"}})
		require.Error(t, p.Open(context.Background()))
		require.NoError(t, p.Close())
	})

	t.Run("no keys", func(t *testing.T) {
		p := NewPartitionedReduce(noop, PartitionedReduceOptions{Workers: 2})
		require.Error(t, p.Open(context.Background()))
		require.NoError(t, p.Close())
	})

	t.Run("factory error", func(t *testing.T) {
		p := NewPartitionedReduce(func(spec partition.Spec) (Stream, error) {
			if spec.Worker == 1 {
				return nil, errBoom
			}
			return newSliceStream(), nil
		}, PartitionedReduceOptions{Workers: 2, Keys: []string{"id"}})
		require.ErrorIs(t, p.Open(context.Background()), errBoom)
		require.NoError(t, p.Close())
	})

	t.Run("no combiner", func(t *testing.T) {
		p := NewPartitionedReduce(func(spec partition.Spec) (Stream, error) {
			return newSliceStream(row("id", spec.Worker)), nil
		}, PartitionedReduceOptions{Workers: 2, Keys: []string{"id"}, Comparator: tuple.MustParseComparator("id desc")})
		rows, eof, err := Collect(context.Background(), p)
		require.NoError(t, err)
		require.Equal(t, []int64{1, 0}, ids(t, rows))
		require.Equal(t, `{"EOF":true}`, eof.String())
	})
}

func TestPartitionedReduceTreeBuiltBeforeOpen(t *testing.T) {
	var built []Stream
	factory := func(spec partition.Spec) (Stream, error) {
		s := newSliceStream(row("id", spec.Worker))
		built = append(built, s)
		return s, nil
	}

	p := NewPartitionedReduce(factory, PartitionedReduceOptions{
		Workers:    3,
		Keys:       []string{"id"},
		Comparator: tuple.MustParseComparator("id asc"),
	})
	require.Len(t, p.Children(), 3)
	require.Equal(t, built, p.Children())

	var visited int
	require.True(t, Walk(p, func(Stream) bool { visited++; return true }))
	require.Equal(t, 4, visited)

	for range 2 {
		rows, _, err := Collect(context.Background(), p)
		require.NoError(t, err)
		require.Equal(t, []int64{0, 1, 2}, ids(t, rows))
	}
	require.Len(t, built, 3)
	require.Equal(t, built, p.Children())
}
