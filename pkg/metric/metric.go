// Package metric implements incremental aggregators whose partial results can
// be merged without re-reading raw rows.
package metric

import (
	"fmt"
	"math"

	"github.com/grafana/tuplestream/pkg/tuple"
)

// Result keys produced by Value and accepted by Merge.
const (
	KeyCount = "count"
	KeySum   = "sum"
	KeyAve   = "ave"
	KeyMin   = "min"
	KeyMax   = "max"
)

// Result is the finalized state of a metric keyed by result name. Integer
// state is carried as tuple ints so partials merge without losing precision.
type Result map[string]tuple.Value

// Metric folds rows into a running state. Instances are owned by a single
// accumulator set and are not safe for concurrent use.
type Metric interface {
	// Name identifies the metric in output maps, e.g. "sum(x)".
	Name() string
	// Update folds one raw row.
	Update(t *tuple.Tuple) error
	// Merge folds the finalized Value of another instance with the same
	// configuration. Merging partials equals updating with the union of
	// their rows.
	Merge(partial Result) error
	// Value finalizes the current state.
	Value() Result
	// NewInstance returns an empty metric with the same configuration.
	NewInstance() Metric
}

// field reads a numeric column either as an exact integer or as a float.
type field struct {
	name    string
	isFloat bool
}

func (f field) label(op string) string {
	if f.isFloat {
		return fmt.Sprintf("%s(%s)", op, f.name)
	}
	return fmt.Sprintf("%s(%s,int)", op, f.name)
}

// Count counts rows.
type Count struct {
	count int64
}

func NewCount() *Count { return &Count{} }

func (c *Count) Name() string { return "count" }

func (c *Count) Update(*tuple.Tuple) error {
	c.count++
	return nil
}

func (c *Count) Merge(partial Result) error {
	n, err := lookupInt(partial, KeyCount)
	if err != nil {
		return err
	}
	c.count += n
	return nil
}

func (c *Count) Value() Result {
	return Result{KeyCount: tuple.Int(c.count)}
}

func (c *Count) NewInstance() Metric { return NewCount() }

// sum keeps an exact integer total alongside a float total so integer columns
// never lose precision.
type sum struct {
	field
	isum  int64
	fsum  float64
	count int64
}

func (s *sum) add(t *tuple.Tuple) error {
	if s.isFloat {
		v, err := t.GetFloat(s.name)
		if err != nil {
			return err
		}
		s.fsum += v
	} else {
		v, err := t.GetInt(s.name)
		if err != nil {
			return err
		}
		s.isum += v
	}
	s.count++
	return nil
}

func (s *sum) total() tuple.Value {
	if s.isFloat {
		return tuple.Float(s.fsum)
	}
	return tuple.Int(s.isum)
}

func (s *sum) mergeSum(partial Result) error {
	if s.isFloat {
		v, err := lookupFloat(partial, KeySum)
		if err != nil {
			return err
		}
		s.fsum += v
		return nil
	}
	v, err := lookupInt(partial, KeySum)
	if err != nil {
		return err
	}
	s.isum += v
	return nil
}

// Sum totals a numeric column. An empty sum is 0.
type Sum struct {
	sum
}

// NewSum returns a sum over column name. With isFloat unset the column must
// hold integers.
func NewSum(name string, isFloat bool) *Sum {
	return &Sum{sum{field: field{name: name, isFloat: isFloat}}}
}

func (s *Sum) Name() string                { return s.label("sum") }
func (s *Sum) Update(t *tuple.Tuple) error { return s.add(t) }

func (s *Sum) Merge(partial Result) error { return s.mergeSum(partial) }

func (s *Sum) Value() Result {
	return Result{KeySum: s.total()}
}

func (s *Sum) NewInstance() Metric { return NewSum(s.name, s.isFloat) }

// Mean averages a numeric column. Its value carries count, sum and ave; ave is
// NaN when no rows were seen.
type Mean struct {
	sum
}

func NewMean(name string, isFloat bool) *Mean {
	return &Mean{sum{field: field{name: name, isFloat: isFloat}}}
}

func (m *Mean) Name() string                { return m.label("mean") }
func (m *Mean) Update(t *tuple.Tuple) error { return m.add(t) }

func (m *Mean) Merge(partial Result) error {
	n, err := lookupInt(partial, KeyCount)
	if err != nil {
		return err
	}
	if err := m.mergeSum(partial); err != nil {
		return err
	}
	m.count += n
	return nil
}

func (m *Mean) Value() Result {
	total := m.total()
	ave := math.NaN()
	if m.count > 0 {
		f, _ := total.Float64()
		ave = f / float64(m.count)
	}
	return Result{
		KeyCount: tuple.Int(m.count),
		KeySum:   total,
		KeyAve:   tuple.Float(ave),
	}
}

func (m *Mean) NewInstance() Metric { return NewMean(m.name, m.isFloat) }

// extreme tracks the minimum or maximum of a column. NaN marks the empty
// state.
type extreme struct {
	field
	key  string
	less func(a, b tuple.Value) bool
	val  tuple.Value
	seen bool
}

func (e *extreme) observe(v tuple.Value) {
	if f, _ := v.Float64(); math.IsNaN(f) {
		return
	}
	if !e.seen || e.less(v, e.val) {
		e.val, e.seen = v, true
	}
}

func (e *extreme) read(v tuple.Value) (tuple.Value, error) {
	if e.isFloat {
		f, err := v.Float64()
		return tuple.Float(f), err
	}
	i, err := intOf(v)
	return tuple.Int(i), err
}

func (e *extreme) Update(t *tuple.Tuple) error {
	if e.isFloat {
		f, err := t.GetFloat(e.name)
		if err != nil {
			return err
		}
		e.observe(tuple.Float(f))
		return nil
	}
	i, err := t.GetInt(e.name)
	if err != nil {
		return err
	}
	e.observe(tuple.Int(i))
	return nil
}

func (e *extreme) Merge(partial Result) error {
	raw, err := lookup(partial, e.key)
	if err != nil {
		return err
	}
	if f, err := raw.Float64(); raw.IsNull() || (err == nil && math.IsNaN(f)) {
		// empty partial
		return nil
	}
	v, err := e.read(raw)
	if err != nil {
		return err
	}
	e.observe(v)
	return nil
}

func (e *extreme) Value() Result {
	if !e.seen {
		return Result{e.key: tuple.Float(math.NaN())}
	}
	return Result{e.key: e.val}
}

func (e *extreme) Name() string { return e.label(e.key) }

func (e *extreme) NewInstance() Metric {
	if e.key == KeyMin {
		return NewMin(e.name, e.isFloat)
	}
	return NewMax(e.name, e.isFloat)
}

// Min tracks the smallest value of a column.
type Min struct{ extreme }

func NewMin(name string, isFloat bool) *Min {
	return &Min{extreme{
		field: field{name: name, isFloat: isFloat},
		key:   KeyMin,
		less:  func(a, b tuple.Value) bool { return tuple.Compare(a, b) < 0 },
	}}
}

// Max tracks the largest value of a column.
type Max struct{ extreme }

func NewMax(name string, isFloat bool) *Max {
	return &Max{extreme{
		field: field{name: name, isFloat: isFloat},
		key:   KeyMax,
		less:  func(a, b tuple.Value) bool { return tuple.Compare(a, b) > 0 },
	}}
}

func lookup(partial Result, key string) (tuple.Value, error) {
	v, ok := partial[key]
	if !ok {
		return tuple.Value{}, fmt.Errorf("partial value missing %q", key)
	}
	return v, nil
}

func lookupInt(partial Result, key string) (int64, error) {
	v, err := lookup(partial, key)
	if err != nil {
		return 0, err
	}
	i, err := intOf(v)
	if err != nil {
		return 0, fmt.Errorf("partial value %q: %w", key, err)
	}
	return i, nil
}

func lookupFloat(partial Result, key string) (float64, error) {
	v, err := lookup(partial, key)
	if err != nil {
		return 0, err
	}
	f, err := v.Float64()
	if err != nil {
		return 0, fmt.Errorf("partial value %q: %w", key, err)
	}
	return f, nil
}

// intOf reads an exact integer. Integral floats are accepted since partials
// may have passed through a float-only encoding.
func intOf(v tuple.Value) (int64, error) {
	if v.Kind() == tuple.KindFloat {
		if f, _ := v.Float64(); f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), nil
		}
	}
	return v.Int64()
}
