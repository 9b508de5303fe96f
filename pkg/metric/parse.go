package metric

import (
	"fmt"
	"strings"
)

// Parse builds a metric from its textual form: count, sum(x), mean(x),
// min(x), max(x). An optional second argument selects the numeric mode:
// "float" (default, integers are widened) or "int" (exact integer
// arithmetic, float values are rejected).
func Parse(s string) (Metric, error) {
	s = strings.TrimSpace(s)
	op, args, err := splitCall(s)
	if err != nil {
		return nil, err
	}

	if op == "count" {
		if len(args) > 1 || (len(args) == 1 && args[0] != "*") {
			return nil, fmt.Errorf("count takes no field: %q", s)
		}
		return NewCount(), nil
	}

	if len(args) == 0 || len(args) > 2 || args[0] == "" {
		return nil, fmt.Errorf("%s requires a field: %q", op, s)
	}
	isFloat := true
	if len(args) == 2 {
		switch args[1] {
		case "float":
		case "int":
			isFloat = false
		default:
			return nil, fmt.Errorf("unknown numeric mode %q in %q", args[1], s)
		}
	}

	switch op {
	case "sum":
		return NewSum(args[0], isFloat), nil
	case "mean", "avg":
		return NewMean(args[0], isFloat), nil
	case "min":
		return NewMin(args[0], isFloat), nil
	case "max":
		return NewMax(args[0], isFloat), nil
	default:
		return nil, fmt.Errorf("unknown metric %q", op)
	}
}

// ParseAll parses every entry of specs.
func ParseAll(specs []string) ([]Metric, error) {
	out := make([]Metric, 0, len(specs))
	for _, s := range specs {
		m, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func splitCall(s string) (string, []string, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if s == "" {
			return "", nil, fmt.Errorf("empty metric")
		}
		return strings.ToLower(s), nil, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", nil, fmt.Errorf("unbalanced parentheses in metric %q", s)
	}

	op := strings.ToLower(strings.TrimSpace(s[:open]))
	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return op, nil, nil
	}
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return op, parts, nil
}
