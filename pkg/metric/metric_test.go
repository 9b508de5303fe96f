package metric

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tuplestream/pkg/tuple"
)

func rows(field string, vals ...tuple.Value) []*tuple.Tuple {
	out := make([]*tuple.Tuple, len(vals))
	for i, v := range vals {
		t := tuple.New()
		t.Set(field, v)
		out[i] = t
	}
	return out
}

func ints(vs ...int64) []tuple.Value {
	out := make([]tuple.Value, len(vs))
	for i, v := range vs {
		out[i] = tuple.Int(v)
	}
	return out
}

func fold(t *testing.T, m Metric, in []*tuple.Tuple) Metric {
	t.Helper()
	for _, r := range in {
		require.NoError(t, m.Update(r))
	}
	return m
}

func TestPartialMergeMatchesDirect(t *testing.T) {
	all := rows("x", ints(1, 2, 3, 4, 5)...)
	left, right := all[:2], all[2:]

	for _, tc := range []struct {
		desc string
		m    Metric
		want Result
	}{
		{"count", NewCount(), Result{"count": tuple.Int(5)}},
		{"sum float", NewSum("x", true), Result{"sum": tuple.Float(15)}},
		{"sum int", NewSum("x", false), Result{"sum": tuple.Int(15)}},
		{"mean", NewMean("x", true), Result{"count": tuple.Int(5), "sum": tuple.Float(15), "ave": tuple.Float(3)}},
		{"mean int", NewMean("x", false), Result{"count": tuple.Int(5), "sum": tuple.Int(15), "ave": tuple.Float(3)}},
		{"min", NewMin("x", true), Result{"min": tuple.Float(1)}},
		{"max", NewMax("x", false), Result{"max": tuple.Int(5)}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			direct := fold(t, tc.m.NewInstance(), all)
			require.Equal(t, tc.want, direct.Value())

			merged := tc.m.NewInstance()
			require.NoError(t, merged.Merge(fold(t, tc.m.NewInstance(), left).Value()))
			require.NoError(t, merged.Merge(fold(t, tc.m.NewInstance(), right).Value()))
			require.Equal(t, direct.Value(), merged.Value())

			// Merge order does not matter either.
			reversed := tc.m.NewInstance()
			require.NoError(t, reversed.Merge(fold(t, tc.m.NewInstance(), right).Value()))
			require.NoError(t, reversed.Merge(fold(t, tc.m.NewInstance(), left).Value()))
			require.Equal(t, direct.Value(), reversed.Value())
		})
	}
}

func isNaN(t *testing.T, v tuple.Value) bool {
	t.Helper()
	f, err := v.Float64()
	require.NoError(t, err)
	return math.IsNaN(f)
}

func TestEmptyState(t *testing.T) {
	require.Equal(t, Result{"count": tuple.Int(0)}, NewCount().Value())
	require.Equal(t, Result{"sum": tuple.Float(0)}, NewSum("x", true).Value())

	mean := NewMean("x", true).Value()
	require.Equal(t, tuple.Int(0), mean["count"])
	require.Equal(t, tuple.Float(0), mean["sum"])
	require.True(t, isNaN(t, mean["ave"]))

	require.True(t, isNaN(t, NewMin("x", true).Value()["min"]))
	require.True(t, isNaN(t, NewMax("x", false).Value()["max"]))

	// An empty partial does not disturb a populated extreme.
	m := fold(t, NewMin("x", true), rows("x", ints(4)...))
	require.NoError(t, m.Merge(NewMin("x", true).Value()))
	require.Equal(t, Result{"min": tuple.Float(4)}, m.Value())

	im := fold(t, NewMax("x", false), rows("x", ints(4)...))
	require.NoError(t, im.Merge(NewMax("x", false).Value()))
	require.NoError(t, im.Merge(Result{"max": tuple.Null()}))
	require.Equal(t, Result{"max": tuple.Int(4)}, im.Value())
}

func TestIntegerPartialsStayExact(t *testing.T) {
	const big = int64(1)<<53 + 1
	all := rows("x", ints(big, 1)...)

	for _, m := range []Metric{NewSum("x", false), NewMean("x", false), NewMax("x", false)} {
		t.Run(m.Name(), func(t *testing.T) {
			direct := fold(t, m.NewInstance(), all)

			merged := m.NewInstance()
			require.NoError(t, merged.Merge(fold(t, m.NewInstance(), all[:1]).Value()))
			require.NoError(t, merged.Merge(fold(t, m.NewInstance(), all[1:]).Value()))
			require.Equal(t, direct.Value(), merged.Value())
		})
	}

	s := fold(t, NewSum("x", false), all)
	require.Equal(t, tuple.Int(big+1), s.Value()["sum"])
	require.Equal(t, tuple.Int(big), fold(t, NewMax("x", false), all).Value()["max"])

	// Integral floats are accepted as integer partials, fractions are not.
	require.NoError(t, NewSum("x", false).Merge(Result{"sum": tuple.Float(3)}))
	require.ErrorIs(t, NewSum("x", false).Merge(Result{"sum": tuple.Float(1.5)}), tuple.ErrTypeMismatch)
}

func TestUpdateFailsOnBadField(t *testing.T) {
	missing := tuple.New()
	require.True(t, errors.Is(NewSum("x", true).Update(missing), tuple.ErrFieldMissing))

	str := rows("x", tuple.String("nope"))[0]
	require.True(t, errors.Is(NewMean("x", true).Update(str), tuple.ErrTypeMismatch))

	float := rows("x", tuple.Float(1.5))[0]
	require.True(t, errors.Is(NewSum("x", false).Update(float), tuple.ErrTypeMismatch))

	// Failed updates leave state untouched.
	m := NewMean("x", true)
	require.Error(t, m.Update(str))
	require.Equal(t, tuple.Int(0), m.Value()["count"])

	require.Error(t, NewMean("x", true).Merge(Result{"sum": tuple.Float(1)}))
}

func TestNewInstanceIsIndependent(t *testing.T) {
	a := NewSum("x", true)
	require.NoError(t, a.Update(rows("x", tuple.Float(2.5))[0]))

	b := a.NewInstance()
	require.Equal(t, Result{"sum": tuple.Float(0)}, b.Value())
	require.Equal(t, a.Name(), b.Name())
	require.Equal(t, Result{"sum": tuple.Float(2.5)}, a.Value())
}

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		name string
		err  bool
	}{
		{in: "count", name: "count"},
		{in: "count(*)", name: "count"},
		{in: "sum(x)", name: "sum(x)"},
		{in: "SUM( x , float )", name: "sum(x)"},
		{in: "mean(price,int)", name: "mean(price,int)"},
		{in: "avg(price)", name: "mean(price)"},
		{in: "min(a)", name: "min(a)"},
		{in: "max(a,int)", name: "max(a,int)"},
		{in: "", err: true},
		{in: "sum()", err: true},
		{in: "sum(x", err: true},
		{in: "sum(x,double)", err: true},
		{in: "median(x)", err: true},
		{in: "count(x)", err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			m, err := Parse(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.name, m.Name())
		})
	}

	ms, err := ParseAll([]string{"count", "sum(v)"})
	require.NoError(t, err)
	require.Len(t, ms, 2)
}
