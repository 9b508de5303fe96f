package v2

// SliceIter iterates over a slice.
type SliceIter[T any] struct {
	cur int
	xs  []T
}

func NewSliceIter[T any](xs []T) *SliceIter[T] {
	return &SliceIter[T]{xs: xs, cur: -1}
}

func (it *SliceIter[T]) Remaining() int {
	return max(0, len(it.xs)-(it.cur+1))
}

func (it *SliceIter[T]) Next() bool {
	it.cur++
	return it.cur < len(it.xs)
}

func (it *SliceIter[T]) Err() error { return nil }

func (it *SliceIter[T]) At() T {
	return it.xs[it.cur]
}

// MapIter applies f to every element of src.
type MapIter[A any, B any] struct {
	Iterator[A]
	f func(A) B
}

func NewMapIter[A any, B any](src Iterator[A], f func(A) B) *MapIter[A, B] {
	return &MapIter[A, B]{Iterator: src, f: f}
}

func (it *MapIter[A, B]) At() B {
	return it.f(it.Iterator.At())
}

// FilterIter yields only the elements of src for which keep returns true.
type FilterIter[T any] struct {
	Iterator[T]
	keep func(T) bool
}

func NewFilterIter[T any](src Iterator[T], keep func(T) bool) *FilterIter[T] {
	return &FilterIter[T]{Iterator: src, keep: keep}
}

func (it *FilterIter[T]) Next() bool {
	for it.Iterator.Next() {
		if it.keep(it.Iterator.At()) {
			return true
		}
	}
	return false
}

type closeIter[T any] struct {
	Iterator[T]
	close func() error
}

// NewCloseableIterator attaches closeFn to src. A nil closeFn is a no-op.
func NewCloseableIterator[T any](src Iterator[T], closeFn func() error) CloseableIterator[T] {
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &closeIter[T]{Iterator: src, close: closeFn}
}

func (it *closeIter[T]) Close() error { return it.close() }

// Collect drains it into a slice.
func Collect[T any](it Iterator[T]) ([]T, error) {
	var out []T
	for it.Next() {
		out = append(out, it.At())
	}
	return out, it.Err()
}
