package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"

	iter "github.com/grafana/tuplestream/pkg/iter/v2"
	"github.com/grafana/tuplestream/pkg/partition"
	"github.com/grafana/tuplestream/pkg/tuple"
)

// Memory serves rows held in memory, keyed by replica address. It honors the
// same parameters as a remote replica: q and fq as field:value equality
// clauses (or *:*), the partition predicate, sort and fl. Failures can be
// injected per address.
type Memory struct {
	mtx       sync.Mutex
	rows      map[string][]*tuple.Tuple
	openErr   map[string]error
	readErr   map[string]failAfter
	queries   map[string][]url.Values
	openCount atomic.Int64
}

type failAfter struct {
	n   int
	err error
}

func NewMemory() *Memory {
	return &Memory{
		rows:    map[string][]*tuple.Tuple{},
		openErr: map[string]error{},
		readErr: map[string]failAfter{},
		queries: map[string][]url.Values{},
	}
}

// Add appends rows to the replica at addr.
func (m *Memory) Add(addr string, rows ...*tuple.Tuple) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.rows[addr] = append(m.rows[addr], rows...)
}

// FailOpen makes every query against addr fail with err.
func (m *Memory) FailOpen(addr string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.openErr[addr] = err
}

// FailAfter makes reads from addr fail with err after n rows.
func (m *Memory) FailAfter(addr string, n int, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.readErr[addr] = failAfter{n: n, err: err}
}

// Queries returns the parameters of every query issued against addr.
func (m *Memory) Queries(addr string) []url.Values {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]url.Values(nil), m.queries[addr]...)
}

// Open returns the number of row sets that were opened and not yet closed.
func (m *Memory) Open() int64 {
	return m.openCount.Load()
}

// LoadFixtures reads a JSON object mapping replica addresses to arrays of
// rows.
func (m *Memory) LoadFixtures(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fixtures map[string][]map[string]any
	if err := decodeAPI.Unmarshal(buf, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for addr, docs := range fixtures {
		for i, doc := range docs {
			t, err := tuple.FromMap(doc)
			if err != nil {
				return fmt.Errorf("fixture %s[%d]: %w", addr, i, err)
			}
			m.Add(addr, t)
		}
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, addr string, params url.Values) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mtx.Lock()
	m.queries[addr] = append(m.queries[addr], CloneParams(params))
	if err := m.openErr[addr]; err != nil {
		m.mtx.Unlock()
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	src, ok := m.rows[addr]
	fail, hasFail := m.readErr[addr]
	src = append([]*tuple.Tuple(nil), src...)
	m.mtx.Unlock()
	if !ok {
		return nil, &RemoteError{Addr: addr, Code: 404, Msg: "no such replica"}
	}

	filters, err := parseFilters(params)
	if err != nil {
		return nil, &RemoteError{Addr: addr, Code: 400, Msg: err.Error()}
	}
	selected := make([]*tuple.Tuple, 0, len(src))
	for _, t := range src {
		if filters.match(t) {
			selected = append(selected, t)
		}
	}

	if s := params.Get(ParamSort); s != "" {
		cmp, err := tuple.ParseComparator(s)
		if err != nil {
			return nil, &RemoteError{Addr: addr, Code: 400, Msg: err.Error()}
		}
		sort.SliceStable(selected, func(i, j int) bool { return cmp.Compare(selected[i], selected[j]) < 0 })
	}

	fields := projection(params.Get(ParamFields))
	var rows iter.Iterator[*tuple.Tuple] = iter.NewMapIter[*tuple.Tuple, *tuple.Tuple](
		iter.NewSliceIter(selected),
		func(t *tuple.Tuple) *tuple.Tuple { return project(t, fields) },
	)
	if hasFail {
		rows = &failingIter{Iterator: rows, left: fail.n, err: fail.err}
	}

	m.openCount.Inc()
	var once sync.Once
	return iter.NewCloseableIterator(rows, func() error {
		once.Do(func() { m.openCount.Dec() })
		return nil
	}), nil
}

type failingIter struct {
	iter.Iterator[*tuple.Tuple]
	left int
	err  error
	hit  bool
}

func (it *failingIter) Next() bool {
	if it.left <= 0 {
		it.hit = true
		return false
	}
	it.left--
	return it.Iterator.Next()
}

func (it *failingIter) Err() error {
	if it.hit {
		return it.err
	}
	return it.Iterator.Err()
}

type clause struct {
	field, value string
}

type filters struct {
	clauses []clause
	spec    partition.Spec
}

func parseFilters(params url.Values) (filters, error) {
	var f filters
	qs := append([]string{params.Get(ParamQuery)}, params[ParamFilter]...)
	for _, q := range qs {
		q = strings.TrimSpace(q)
		switch {
		case q == "" || q == "*:*":
		case partition.IsFilter(q):
			spec, err := partition.ParseFilter(q)
			if err != nil {
				return filters{}, err
			}
			f.spec = spec
		default:
			field, value, ok := strings.Cut(q, ":")
			if !ok || field == "" {
				return filters{}, fmt.Errorf("unsupported query %q", q)
			}
			f.clauses = append(f.clauses, clause{field: field, value: strings.Trim(value, `"`)})
		}
	}
	return f, nil
}

func (f filters) match(t *tuple.Tuple) bool {
	for _, c := range f.clauses {
		v, ok := t.Get(c.field)
		if !ok || (c.value != "*" && v.String() != c.value) {
			return false
		}
	}
	return f.spec.Owns(t)
}

func projection(fl string) []string {
	var fields []string
	for _, f := range strings.Split(fl, ",") {
		f = strings.TrimSpace(f)
		if f == "*" {
			return nil
		}
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func project(t *tuple.Tuple, fields []string) *tuple.Tuple {
	if len(fields) == 0 {
		return t.Clone()
	}
	out := tuple.New()
	for _, f := range fields {
		if v, ok := t.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out
}
