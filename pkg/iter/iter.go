// Package iter provides the pull-based iterator contract used to stream
// symbol records and attribution rows without materializing whole result
// sets. Producers surface errors through Err after Next returns false.
package iter

import (
	"sort"

	"golang.org/x/exp/constraints"
)

type Iterator[A any] interface {
	// Next advances the iterator and returns true if another value was found.
	Next() bool

	// At returns the value at the current iterator position.
	At() A

	// Err returns the last error of the iterator.
	Err() error

	Close() error
}

type SeekIterator[A any, B any] interface {
	Iterator[A]

	// Like Next but skips over results until reading >= the given location
	Seek(pos B) bool
}

// Slice drains it into a slice, closing it. The iterator's error, if any,
// is returned alongside whatever was read before it occurred.
func Slice[A any](it Iterator[A]) ([]A, error) {
	defer it.Close()
	var out []A
	for it.Next() {
		out = append(out, it.At())
	}
	return out, it.Err()
}

type emptyIterator[A any] struct{}

func NewEmptyIterator[A any]() Iterator[A] {
	return emptyIterator[A]{}
}

func (emptyIterator[A]) Next() bool   { return false }
func (emptyIterator[A]) At() (a A)    { return a }
func (emptyIterator[A]) Err() error   { return nil }
func (emptyIterator[A]) Close() error { return nil }

type errIterator[A any] struct {
	err error
}

// NewErrIterator yields no values and reports err. It lets producers that
// fail before the first element keep the iterator return shape.
func NewErrIterator[A any](err error) Iterator[A] {
	return &errIterator[A]{err: err}
}

func (i *errIterator[A]) Err() error {
	return i.err
}

func (*errIterator[A]) At() (a A) {
	return a
}

func (*errIterator[A]) Next() bool {
	return false
}

func (*errIterator[A]) Close() error {
	return nil
}

type sliceIterator[A any] struct {
	list []A
	cur  A
}

func NewSliceIterator[A any](s []A) Iterator[A] {
	return &sliceIterator[A]{
		list: s,
	}
}

func (i *sliceIterator[A]) Err() error {
	return nil
}

func (i *sliceIterator[A]) Next() bool {
	if len(i.list) > 0 {
		i.cur = i.list[0]
		i.list = i.list[1:]
		return true
	}
	var a A
	i.cur = a
	return false
}

func (i *sliceIterator[A]) At() A {
	return i.cur
}

func (i *sliceIterator[A]) Close() error {
	return nil
}

type sliceSeekIterator[A constraints.Ordered] struct {
	*sliceIterator[A]
}

// NewSliceSeekIterator iterates s, which must already be sorted ascending,
// with support for skipping forward to the first element >= a position.
func NewSliceSeekIterator[A constraints.Ordered](s []A) SeekIterator[A, A] {
	return &sliceSeekIterator[A]{
		sliceIterator: &sliceIterator[A]{
			list: s,
		},
	}
}

func (i *sliceSeekIterator[A]) Seek(x A) bool {
	// If the current value satisfies, then return.
	if i.cur >= x {
		return true
	}
	if len(i.list) == 0 {
		return false
	}

	// Do binary search between current position and end.
	pos := sort.Search(len(i.list), func(pos int) bool {
		return i.list[pos] >= x
	})
	if pos < len(i.list) {
		i.cur = i.list[pos]
		i.list = i.list[pos+1:]
		return true
	}
	i.list = nil
	return false
}
