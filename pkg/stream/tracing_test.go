package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/tuplestream/pkg/index"
	"github.com/grafana/tuplestream/pkg/source"
	"github.com/grafana/tuplestream/pkg/tuple"
)

func spansNamed(spans []sdktrace.ReadOnlySpan, name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range spans {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestTracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	since := func(n int) []sdktrace.ReadOnlySpan { return rec.Ended()[n:] }

	t.Run("shard merge", func(t *testing.T) {
		start := len(rec.Ended())
		mem := source.NewMemory()
		mem.Add("a", row("id", 1))
		mem.Add("b", row("id", 2))
		s := NewShardMerge(directory(part("p0", "a"), part("p1", "b")), mem, ShardMergeOptions{
			Collection: "logs",
			Comparator: tuple.MustParseComparator("id asc"),
		})
		_, _, err := Collect(context.Background(), s)
		require.NoError(t, err)

		spans := since(start)
		merges := spansNamed(spans, "ShardMerge.Open")
		require.Len(t, merges, 1)
		merge := merges[0]
		require.Equal(t, "logs", spanAttr(merge, "collection").AsString())
		require.Equal(t, codes.Unset, merge.Status().Code)

		var events []string
		for _, e := range merge.Events() {
			events = append(events, e.Name)
		}
		require.Equal(t, []string{"resolved partitions", "opened leaves"}, events)

		leaves := spansNamed(spans, "Leaf.Open")
		require.Len(t, leaves, 2)
		var addrs []string
		for _, l := range leaves {
			require.Equal(t, merge.SpanContext().SpanID(), l.Parent().SpanID())
			addrs = append(addrs, spanAttr(l, "addr").AsString())
		}
		require.ElementsMatch(t, []string{"a", "b"}, addrs)
	})

	t.Run("failed leaf", func(t *testing.T) {
		start := len(rec.Ended())
		mem := source.NewMemory()
		mem.Add("a", row("id", 1))
		mem.FailOpen("a", errBoom)
		s := NewShardMerge(directory(part("p0", "a")), mem, ShardMergeOptions{
			Collection: "logs",
			Comparator: tuple.MustParseComparator("id asc"),
		})
		require.ErrorIs(t, s.Open(context.Background()), errBoom)
		require.NoError(t, s.Close())

		spans := since(start)
		for _, name := range []string{"ShardMerge.Open", "Leaf.Open"} {
			got := spansNamed(spans, name)
			require.Len(t, got, 1, name)
			require.Equal(t, codes.Error, got[0].Status().Code, name)
		}
	})

	t.Run("batch writes", func(t *testing.T) {
		start := len(rec.Ended())
		client := index.NewMemoryClient()
		s := NewBatchWrite(newSliceStream(numbered(5)...), client, BatchWriteOptions{BatchSize: 2})
		_, _, err := Collect(context.Background(), s)
		require.NoError(t, err)

		writes := spansNamed(since(start), "BatchWrite.write")
		require.Len(t, writes, 3)
		var docs []int64
		for _, w := range writes {
			docs = append(docs, spanAttr(w, "docs").AsInt64())
		}
		require.Equal(t, []int64{2, 2, 1}, docs)
	})
}
