package tuple

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseComparator(t *testing.T) {
	for _, tc := range []struct {
		spec    string
		want    Comparator
		wantStr string
		err     bool
	}{
		{spec: "id asc", want: Comparator{{"id", Ascending}}, wantStr: "id asc"},
		{spec: " a_i desc , a_s asc ", want: Comparator{{"a_i", Descending}, {"a_s", Ascending}}, wantStr: "a_i desc,a_s asc"},
		{spec: "id", want: Comparator{{"id", Ascending}}, wantStr: "id asc"},
		{spec: "id DESC", want: Comparator{{"id", Descending}}, wantStr: "id desc"},
		{spec: "", err: true},
		{spec: "id sideways", err: true},
		{spec: "id asc,", err: true},
		{spec: "a b c", err: true},
	} {
		t.Run(tc.spec, func(t *testing.T) {
			c, err := ParseComparator(tc.spec)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, c)
			require.Equal(t, tc.wantStr, c.String())
		})
	}
}

func TestComparatorOrdersTuples(t *testing.T) {
	mk := func(cat string, v int64) *Tuple {
		tp := New()
		tp.Set("cat", String(cat))
		tp.Set("v", Int(v))
		return tp
	}
	rows := []*Tuple{mk("b", 1), mk("a", 1), mk("b", 3), mk("a", 2)}

	c := MustParseComparator("cat asc, v desc")
	sort.SliceStable(rows, func(i, j int) bool { return c.Compare(rows[i], rows[j]) < 0 })

	var got []string
	for _, r := range rows {
		got = append(got, r.String())
	}
	require.Equal(t, []string{
		`{"cat":"a","v":2}`,
		`{"cat":"a","v":1}`,
		`{"cat":"b","v":3}`,
		`{"cat":"b","v":1}`,
	}, got)
}

func TestComparatorMissingFieldSortsFirst(t *testing.T) {
	with := New()
	with.Set("id", Int(0))
	without := New()

	c := MustParseComparator("id asc")
	require.Equal(t, -1, c.Compare(without, with))
	require.Equal(t, 0, c.Compare(without, New()))
}
