package v2

// Iterator is a pull iterator. Next advances and reports whether At holds a
// value; once it returns false, Err reports why.
type Iterator[T any] interface {
	Next() bool
	Err() error
	At() T
}

type SizedIterator[T any] interface {
	Iterator[T]
	Remaining() int // remaining
}

type CloseableIterator[T any] interface {
	Iterator[T]
	Close() error
}
