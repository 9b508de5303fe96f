package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tuplestream/pkg/tuple"
)

func TestAssignIsDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		vals := []tuple.Value{tuple.String(fmt.Sprintf("key-%d", i)), tuple.Int(int64(i))}
		first := Assign(vals, 7)
		require.GreaterOrEqual(t, first, 0)
		require.Less(t, first, 7)

		// Rebuilt from scratch, as a second component would.
		again := []tuple.Value{tuple.String(fmt.Sprintf("key-%d", i)), tuple.Int(int64(i))}
		require.Equal(t, first, Assign(again, 7))
	}
}

func TestHashSeparatesComponents(t *testing.T) {
	ab := Hash([]tuple.Value{tuple.String("ab"), tuple.String("c")})
	a := Hash([]tuple.Value{tuple.String("a"), tuple.String("bc")})
	require.NotEqual(t, ab, a)
}

func TestOwnsPartitionsKeySpace(t *testing.T) {
	const workers = 4
	spec := Spec{Workers: workers, Keys: []string{"cat"}}

	for i := 0; i < 50; i++ {
		row := tuple.New()
		row.Set("cat", tuple.String(fmt.Sprintf("c%d", i%13)))
		row.Set("v", tuple.Int(int64(i)))

		owners := 0
		for w := 0; w < workers; w++ {
			if spec.ForWorker(w).Owns(row) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "row %s", row)
	}

	require.True(t, Spec{}.Owns(tuple.New()))
}

func TestFilterRoundTrip(t *testing.T) {
	spec := Spec{Workers: 4, Worker: 1, Keys: []string{"a", "b"}}
	fq := spec.Filter()
	require.Equal(t, "{!hash workers=4 worker=1 keys=a,b}", fq)
	require.True(t, IsFilter(fq))

	parsed, err := ParseFilter(fq)
	require.NoError(t, err)
	require.Equal(t, spec, parsed)
}

func TestParseFilterErrors(t *testing.T) {
	for _, fq := range []string{
		"id:1",
		"{!hash workers=4 worker=1}",
		"{!hash worker=1 keys=a}",
		"{!hash workers=2 worker=2 keys=a}",
		"{!hash workers=x worker=0 keys=a}",
		"{!hash workers=2 worker=0 keys=a color=red}",
		"{!hash workers=2 worker=0 keys=}",
	} {
		t.Run(fq, func(t *testing.T) {
			_, err := ParseFilter(fq)
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Spec{}.Validate())
	require.NoError(t, Spec{Workers: 2, Worker: 1, Keys: []string{"k"}}.Validate())
	require.Error(t, Spec{Workers: 2, Worker: -1, Keys: []string{"k"}}.Validate())
	require.Error(t, Spec{Workers: 2}.Validate())
}
