package flagext

import (
	"fmt"
	"strings"
)

// CallList is a comma separated list whose items may themselves contain
// commas inside parentheses, e.g. "count,sum(bytes,int)". In YAML it may be
// given either as such a string or as a sequence.
type CallList []string

func (l *CallList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *CallList) Set(s string) error {
	items, err := SplitCalls(s)
	if err != nil {
		return err
	}
	*l = items
	return nil
}

func (l *CallList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var items []string
	if err := unmarshal(&items); err == nil {
		*l = items
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return l.Set(s)
}

func (l CallList) MarshalYAML() (interface{}, error) {
	return []string(l), nil
}

// SplitCalls splits s on the commas that are not enclosed in parentheses.
// Blank items are dropped.
func SplitCalls(s string) ([]string, error) {
	var (
		out   []string
		depth int
		start int
	)
	emit := func(end int) {
		if item := strings.TrimSpace(s[start:end]); item != "" {
			out = append(out, item)
		}
		start = end + 1
	}
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at %d in %q", i, s)
			}
		case ',':
			if depth == 0 {
				emit(i)
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unclosed '(' in %q", s)
	}
	emit(len(s))
	return out, nil
}
