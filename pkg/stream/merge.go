package stream

import (
	"container/heap"
	"context"

	"github.com/grafana/tuplestream/pkg/tuple"
)

// head is the current tuple of one input of a merge.
type head struct {
	t     *tuple.Tuple
	input int
}

type headHeap struct {
	heads []head
	cmp   tuple.Comparator
}

func (h *headHeap) Len() int      { return len(h.heads) }
func (h *headHeap) Swap(i, j int) { h.heads[i], h.heads[j] = h.heads[j], h.heads[i] }

// Less breaks comparator ties by input index so repeated merges of the same
// inputs are reproducible.
func (h *headHeap) Less(i, j int) bool {
	if c := h.cmp.Compare(h.heads[i].t, h.heads[j].t); c != 0 {
		return c < 0
	}
	return h.heads[i].input < h.heads[j].input
}

func (h *headHeap) Push(x any) {
	h.heads = append(h.heads, x.(head))
}

func (h *headHeap) Pop() any {
	old := h.heads
	n := len(old)
	x := old[n-1]
	h.heads = old[:n-1]
	return x
}

// merger performs a k-way merge of already sorted inputs. It runs on the
// calling goroutine only.
type merger struct {
	inputs []Stream
	heap   *headHeap
	eofs   []*tuple.Tuple
}

// newMerger builds the working set from the first tuple of every input.
// Inputs whose first tuple is an end tuple are dropped immediately.
func newMerger(cmp tuple.Comparator, inputs []Stream, firsts []*tuple.Tuple) *merger {
	m := &merger{
		inputs: inputs,
		heap:   &headHeap{cmp: cmp, heads: make([]head, 0, len(inputs))},
		eofs:   make([]*tuple.Tuple, len(inputs)),
	}
	for i, t := range firsts {
		if t.EOF {
			m.eofs[i] = t
			continue
		}
		m.heap.heads = append(m.heap.heads, head{t: t, input: i})
	}
	heap.Init(m.heap)
	return m
}

// next returns the smallest pending tuple, or nil once every input is
// exhausted.
func (m *merger) next(ctx context.Context) (*tuple.Tuple, error) {
	if m.heap.Len() == 0 {
		return nil, nil
	}

	top := m.heap.heads[0]
	t, err := m.inputs[top.input].Read(ctx)
	if err != nil {
		return nil, err
	}
	if t.EOF {
		m.eofs[top.input] = t
		heap.Pop(m.heap)
	} else {
		m.heap.heads[0].t = t
		heap.Fix(m.heap, 0)
	}
	return top.t, nil
}
