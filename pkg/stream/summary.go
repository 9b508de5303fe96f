package stream

import (
	"context"

	"github.com/grafana/tuplestream/pkg/tuple"
)

// Summary drains its input and returns the fields of the input's end tuple as
// a single data tuple, followed by the end tuple. It turns the results a
// grouping stream attaches to its end tuple into a regular row.
type Summary struct {
	in Stream

	opened bool
	eof    *tuple.Tuple
	sent   bool
	err    error
}

func NewSummary(in Stream) *Summary {
	return &Summary{in: in}
}

func (s *Summary) Open(ctx context.Context) error {
	if s.opened {
		return ErrAlreadyOpen
	}
	s.opened = true
	return s.in.Open(ctx)
}

func (s *Summary) Read(ctx context.Context) (*tuple.Tuple, error) {
	switch {
	case s.err != nil:
		return nil, s.err
	case !s.opened:
		return nil, ErrNotOpen
	case s.sent:
		return s.eof, nil
	}

	for {
		t, err := s.in.Read(ctx)
		if err != nil {
			s.err = err
			return nil, err
		}
		if t.EOF {
			s.eof, s.sent = t, true
			row := t.Clone()
			row.EOF = false
			return row, nil
		}
	}
}

func (s *Summary) Close() error {
	s.opened, s.eof, s.sent, s.err = false, nil, false, nil
	return s.in.Close()
}

func (s *Summary) Children() []Stream { return []Stream{s.in} }
