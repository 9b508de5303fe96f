package tuple

import (
	"fmt"
	"strings"
)

type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// SortField is one (field, direction) pair of a comparator.
type SortField struct {
	Field     string
	Direction Direction
}

// Comparator is an ordered list of sort fields. Earlier fields take
// precedence; a missing field compares as null.
type Comparator []SortField

// ParseComparator parses "field1 asc|desc, field2 asc|desc, ...". The
// direction may be omitted, in which case it is ascending.
func ParseComparator(spec string) (Comparator, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("empty sort spec")
	}

	parts := strings.Split(spec, ",")
	c := make(Comparator, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(part)
		switch len(fields) {
		case 1:
			c = append(c, SortField{Field: fields[0], Direction: Ascending})
		case 2:
			var dir Direction
			switch strings.ToLower(fields[1]) {
			case "asc":
				dir = Ascending
			case "desc":
				dir = Descending
			default:
				return nil, fmt.Errorf("invalid sort direction %q for field %q", fields[1], fields[0])
			}
			c = append(c, SortField{Field: fields[0], Direction: dir})
		default:
			return nil, fmt.Errorf("invalid sort clause %q", strings.TrimSpace(part))
		}
	}
	return c, nil
}

// MustParseComparator is like ParseComparator but panics on error.
func MustParseComparator(spec string) Comparator {
	c, err := ParseComparator(spec)
	if err != nil {
		panic(err)
	}
	return c
}

// Compare orders a before b when the result is negative.
func (c Comparator) Compare(a, b *Tuple) int {
	for _, sf := range c {
		va, _ := a.Get(sf.Field)
		vb, _ := b.Get(sf.Field)
		r := Compare(va, vb)
		if r == 0 {
			continue
		}
		if sf.Direction == Descending {
			return -r
		}
		return r
	}
	return 0
}

// String renders the comparator in the form accepted by ParseComparator, which
// is also the remote "sort" parameter.
func (c Comparator) String() string {
	parts := make([]string, len(c))
	for i, sf := range c {
		parts[i] = sf.Field + " " + sf.Direction.String()
	}
	return strings.Join(parts, ",")
}
