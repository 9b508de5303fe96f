// Package partition assigns tuples to parallel workers by hashing the values
// of their partition keys. The same function backs the remote filter predicate
// and client-side ownership checks, so both always agree on a key's worker.
package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/tuplestream/pkg/tuple"
)

const filterPrefix = "{!hash "

var errInvalidFilter = errors.New("invalid partition filter")

// Hash returns the xxhash64 of the canonical text of values, separated by a
// zero byte.
func Hash(values []tuple.Value) uint64 {
	d := xxhash.New()
	for i, v := range values {
		if i > 0 {
			_, _ = d.Write([]byte{0}) // separator
		}
		_, _ = d.WriteString(v.String())
	}
	return d.Sum64()
}

// Assign maps values onto one of workers workers.
func Assign(values []tuple.Value, workers int) int {
	if workers <= 1 {
		return 0
	}
	return int(Hash(values) % uint64(workers))
}

// Spec restricts a query to the keys owned by one worker. The zero Spec is
// disabled and selects everything.
type Spec struct {
	Workers int      `yaml:"workers"`
	Worker  int      `yaml:"worker"`
	Keys    []string `yaml:"keys"`
}

// Enabled reports whether the spec filters anything.
func (s Spec) Enabled() bool {
	return s.Workers > 0
}

func (s Spec) Validate() error {
	if !s.Enabled() {
		return nil
	}
	if s.Worker < 0 || s.Worker >= s.Workers {
		return fmt.Errorf("worker %d out of range [0,%d)", s.Worker, s.Workers)
	}
	if len(s.Keys) == 0 {
		return errors.New("partition keys required when workers > 0")
	}
	return nil
}

// ForWorker returns a copy of s selecting worker w.
func (s Spec) ForWorker(w int) Spec {
	return Spec{Workers: s.Workers, Worker: w, Keys: append([]string(nil), s.Keys...)}
}

// KeyValues extracts the partition key values from t. Missing fields hash as
// null.
func (s Spec) KeyValues(t *tuple.Tuple) []tuple.Value {
	vals := make([]tuple.Value, len(s.Keys))
	for i, k := range s.Keys {
		vals[i], _ = t.Get(k)
	}
	return vals
}

// Owns reports whether t belongs to the spec's worker. A disabled spec owns
// every tuple.
func (s Spec) Owns(t *tuple.Tuple) bool {
	if !s.Enabled() {
		return true
	}
	return Assign(s.KeyValues(t), s.Workers) == s.Worker
}

// Filter renders the predicate sent to a remote source, e.g.
// {!hash workers=4 worker=1 keys=a,b}.
func (s Spec) Filter() string {
	return fmt.Sprintf("%sworkers=%d worker=%d keys=%s}", filterPrefix, s.Workers, s.Worker, strings.Join(s.Keys, ","))
}

func (s Spec) String() string {
	if !s.Enabled() {
		return "none"
	}
	return s.Filter()
}

// IsFilter reports whether fq looks like a partition predicate.
func IsFilter(fq string) bool {
	return strings.HasPrefix(strings.TrimSpace(fq), filterPrefix)
}

// ParseFilter parses a predicate produced by Spec.Filter.
func ParseFilter(fq string) (Spec, error) {
	fq = strings.TrimSpace(fq)
	if !IsFilter(fq) || !strings.HasSuffix(fq, "}") {
		return Spec{}, fmt.Errorf("%w: %q", errInvalidFilter, fq)
	}

	var (
		s                    Spec
		seenWorkers, seenKey bool
	)
	body := strings.TrimSuffix(strings.TrimPrefix(fq, filterPrefix), "}")
	for _, kv := range strings.Fields(body) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Spec{}, fmt.Errorf("%w: %q", errInvalidFilter, kv)
		}
		switch k {
		case "workers":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Spec{}, fmt.Errorf("%w: workers: %v", errInvalidFilter, err)
			}
			s.Workers, seenWorkers = n, true
		case "worker":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Spec{}, fmt.Errorf("%w: worker: %v", errInvalidFilter, err)
			}
			s.Worker = n
		case "keys":
			if v != "" {
				s.Keys = strings.Split(v, ",")
			}
			seenKey = true
		default:
			return Spec{}, fmt.Errorf("%w: unknown option %q", errInvalidFilter, k)
		}
	}
	if !seenWorkers || !seenKey {
		return Spec{}, fmt.Errorf("%w: workers and keys are required", errInvalidFilter)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, fmt.Errorf("%w: %v", errInvalidFilter, err)
	}
	return s, nil
}
