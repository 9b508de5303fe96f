package stream

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/tuplestream/pkg/metric"
	"github.com/grafana/tuplestream/pkg/tuple"
)

const (
	// GlobalBucket is the key of the single bucket used when no bucket rules
	// are configured.
	GlobalBucket = "*"

	bucketSep = "::"
)

// Bucket extracts one component of a bucket key from a tuple.
type Bucket struct {
	Field string
}

// BucketKey renders the key of t under buckets. A missing field contributes
// "null". Distinct components always render distinct keys; numbers compare by
// numeric value. Strings that could read as another kind are quoted and
// every component escapes ':' and '\', so the separator never appears
// inside one.
func BucketKey(buckets []Bucket, t *tuple.Tuple) string {
	if len(buckets) == 0 {
		return GlobalBucket
	}
	parts := make([]string, len(buckets))
	for i, b := range buckets {
		v, _ := t.Get(b.Field)
		parts[i] = bucketPart(v)
	}
	return strings.Join(parts, bucketSep)
}

var bucketEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func bucketPart(v tuple.Value) string {
	var s string
	switch v.Kind() {
	case tuple.KindString:
		s = v.String()
		if looksTyped(s) {
			s = strconv.Quote(s)
		}
	case tuple.KindList, tuple.KindMap:
		b, err := v.MarshalJSON()
		if err != nil {
			return bucketEscaper.Replace(v.String())
		}
		s = string(b)
	default:
		s = v.String()
	}
	return bucketEscaper.Replace(s)
}

// looksTyped reports whether s, written as is, could be mistaken for the
// rendering of a null, a number, a quoted string, a list or a map.
func looksTyped(s string) bool {
	if s == "null" {
		return true
	}
	if s != "" && strings.ContainsRune(`"[{`, rune(s[0])) {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// ParseBuckets turns field names into bucket rules, dropping blanks.
func ParseBuckets(fields []string) []Bucket {
	out := make([]Bucket, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, Bucket{Field: f})
		}
	}
	return out
}

// BucketValues maps bucket key to metric name to finalized metric value.
type BucketValues map[string]map[string]metric.Result

// GroupAggregate folds every row of its input into per-bucket metric
// instances cloned from the templates. Data tuples pass through unchanged;
// the end tuple is returned with the finalized values of every bucket under
// the output field.
type GroupAggregate struct {
	in        Stream
	buckets   []Bucket
	templates []metric.Metric
	outField  string
	logger    log.Logger
	m         *Metrics

	accum map[string][]metric.Metric
	err   error
}

func NewGroupAggregate(in Stream, buckets []Bucket, templates []metric.Metric, outField string, logger log.Logger, m *Metrics) *GroupAggregate {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &GroupAggregate{
		in:        in,
		buckets:   buckets,
		templates: templates,
		outField:  outField,
		logger:    log.With(logger, "stream", "group_aggregate"),
		m:         metricsOrNop(m),
	}
}

func (g *GroupAggregate) Open(ctx context.Context) error {
	if g.accum != nil {
		return ErrAlreadyOpen
	}
	g.accum = map[string][]metric.Metric{}
	g.err = nil
	return g.in.Open(ctx)
}

func (g *GroupAggregate) Read(ctx context.Context) (*tuple.Tuple, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.accum == nil:
		return nil, ErrNotOpen
	}

	t, err := g.in.Read(ctx)
	if err != nil {
		g.err = err
		return nil, err
	}
	if t.EOF {
		return g.finish(t), nil
	}

	key := BucketKey(g.buckets, t)
	set, ok := g.accum[key]
	if !ok {
		set = make([]metric.Metric, len(g.templates))
		for i, tmpl := range g.templates {
			set[i] = tmpl.NewInstance()
		}
		g.accum[key] = set
	}
	for _, mt := range set {
		if err := mt.Update(t); err != nil {
			g.m.metricErrors.Inc()
			g.err = fmt.Errorf("update %s in bucket %s: %w", mt.Name(), key, err)
			return nil, g.err
		}
	}
	return t, nil
}

func (g *GroupAggregate) finish(eof *tuple.Tuple) *tuple.Tuple {
	vals := make(BucketValues, len(g.accum))
	for key, set := range g.accum {
		vals[key] = make(map[string]metric.Result, len(set))
		for _, mt := range set {
			vals[key][mt.Name()] = mt.Value()
		}
	}
	g.m.buckets.Observe(float64(len(vals)))
	level.Debug(g.logger).Log("msg", "finalized buckets", "buckets", len(vals), "field", g.outField)

	out := eof.Clone()
	out.Set(g.outField, vals.Value(g.metricNames()))
	g.accum = map[string][]metric.Metric{}
	return out
}

func (g *GroupAggregate) metricNames() []string {
	names := make([]string, len(g.templates))
	for i, tmpl := range g.templates {
		names[i] = tmpl.Name()
	}
	return names
}

func (g *GroupAggregate) Close() error {
	g.accum, g.err = nil, nil
	return g.in.Close()
}

func (g *GroupAggregate) Children() []Stream { return []Stream{g.in} }

// Value renders bv as a nested tuple value: bucket keys sorted, metrics in
// the order of names, result keys sorted.
func (bv BucketValues) Value(names []string) tuple.Value {
	keys := make([]string, 0, len(bv))
	for k := range bv {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := tuple.NewMap()
	for _, k := range keys {
		metrics := tuple.NewMap()
		for _, name := range names {
			res, ok := bv[k][name]
			if !ok {
				continue
			}
			rkeys := make([]string, 0, len(res))
			for rk := range res {
				rkeys = append(rkeys, rk)
			}
			slices.Sort(rkeys)
			rm := tuple.NewMap()
			for _, rk := range rkeys {
				rm.Set(rk, res[rk])
			}
			metrics.Set(name, tuple.MapValue(rm))
		}
		out.Set(k, tuple.MapValue(metrics))
	}
	return tuple.MapValue(out)
}

// ParseBucketValues reads the output field of a grouping end tuple. Null
// results, as produced for empty state, read back as NaN.
func ParseBucketValues(v tuple.Value) (BucketValues, error) {
	buckets, err := v.Map()
	if err != nil {
		return nil, fmt.Errorf("bucket values: %w", err)
	}
	out := make(BucketValues, buckets.Len())
	buckets.Range(func(key string, bv tuple.Value) bool {
		var metrics *tuple.Map
		if metrics, err = bv.Map(); err != nil {
			err = fmt.Errorf("bucket %s: %w", key, err)
			return false
		}
		out[key] = make(map[string]metric.Result, metrics.Len())
		metrics.Range(func(name string, mv tuple.Value) bool {
			var res *tuple.Map
			if res, err = mv.Map(); err != nil {
				err = fmt.Errorf("bucket %s metric %s: %w", key, name, err)
				return false
			}
			vals := make(metric.Result, res.Len())
			res.Range(func(rk string, rv tuple.Value) bool {
				if rv.IsNull() {
					vals[rk] = tuple.Float(math.NaN())
					return true
				}
				if _, err = rv.Float64(); err != nil {
					err = fmt.Errorf("bucket %s metric %s %s: %w", key, name, rk, err)
					return false
				}
				vals[rk] = rv
				return true
			})
			out[key][name] = vals
			return err == nil
		})
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeBuckets unions partial bucket values by key, folding each metric's
// partials through Metric.Merge so the result matches a single aggregation
// over all rows.
func MergeBuckets(templates []metric.Metric, partials ...BucketValues) (BucketValues, error) {
	accum := map[string][]metric.Metric{}
	for _, p := range partials {
		for key, byName := range p {
			set, ok := accum[key]
			if !ok {
				set = make([]metric.Metric, len(templates))
				for i, tmpl := range templates {
					set[i] = tmpl.NewInstance()
				}
				accum[key] = set
			}
			for _, mt := range set {
				res, ok := byName[mt.Name()]
				if !ok {
					continue
				}
				if err := mt.Merge(res); err != nil {
					return nil, fmt.Errorf("merge %s in bucket %s: %w", mt.Name(), key, err)
				}
			}
		}
	}

	out := make(BucketValues, len(accum))
	for key, set := range accum {
		out[key] = make(map[string]metric.Result, len(set))
		for _, mt := range set {
			out[key][mt.Name()] = mt.Value()
		}
	}
	return out, nil
}

// MergeCombiner combines the end tuples of partitioned grouping workers. The
// other fields of the first end tuple are kept.
func MergeCombiner(outField string, templates []metric.Metric) Combiner {
	names := make([]string, len(templates))
	for i, tmpl := range templates {
		names[i] = tmpl.Name()
	}
	return func(eofs []*tuple.Tuple) (*tuple.Tuple, error) {
		var (
			out      *tuple.Tuple
			partials = make([]BucketValues, 0, len(eofs))
		)
		for i, eof := range eofs {
			if eof == nil {
				continue
			}
			if out == nil {
				out = eof.Clone()
			}
			v, ok := eof.Get(outField)
			if !ok {
				continue
			}
			bv, err := ParseBucketValues(v)
			if err != nil {
				return nil, fmt.Errorf("worker %d: %w", i, err)
			}
			partials = append(partials, bv)
		}
		merged, err := MergeBuckets(templates, partials...)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = tuple.NewEOF()
		}
		out.Set(outField, merged.Value(names))
		return out, nil
	}
}
