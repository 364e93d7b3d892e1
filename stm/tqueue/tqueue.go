// Package tqueue implements a FIFO queue on top of two TVars.
//
// The write end holds the newest elements first, the read end holds the oldest
// elements first. Reads that find the read end empty move the reversed write end over
// within the same transaction, so every operation is just reads and writes of the two
// TVars and composes with any other transaction.
package tqueue

import (
	"github.com/benbjohnson/immutable"
	"github.com/pingcap-incubator/tinystm/stm"
)

// TQueue is a FIFO queue whose operations run inside stm transactions.
type TQueue[T any] struct {
	read  *stm.TVar[*immutable.List[T]]
	write *stm.TVar[*immutable.List[T]]
}

// New creates an empty queue.
func New[T any]() *TQueue[T] {
	return &TQueue[T]{
		read:  stm.NewTVar(immutable.NewList[T]()),
		write: stm.NewTVar(immutable.NewList[T]()),
	}
}

// Write appends v to the back of the queue.
func (q *TQueue[T]) Write(tx *stm.Txn, v T) {
	stm.Set(tx, q.write, stm.Get(tx, q.write).Prepend(v))
}

// WriteFront puts v in front of the queue, so it is the next element read.
func (q *TQueue[T]) WriteFront(tx *stm.Txn, v T) {
	stm.Set(tx, q.read, stm.Get(tx, q.read).Prepend(v))
}

// Peek returns the front element without removing it. It retries while the queue is
// empty.
func (q *TQueue[T]) Peek(tx *stm.Txn) T {
	front := q.front(tx)
	if front.Len() == 0 {
		tx.Retry()
	}
	return front.Get(0)
}

// Pop removes and returns the front element. It retries while the queue is empty.
func (q *TQueue[T]) Pop(tx *stm.Txn) T {
	front := q.front(tx)
	if front.Len() == 0 {
		tx.Retry()
	}
	stm.Set(tx, q.read, front.Slice(1, front.Len()))
	return front.Get(0)
}

// TryPeek is Peek that reports false instead of retrying on an empty queue.
func (q *TQueue[T]) TryPeek(tx *stm.Txn) (T, bool) {
	return q.try(tx, q.Peek)
}

// TryPop is Pop that reports false instead of retrying on an empty queue.
func (q *TQueue[T]) TryPop(tx *stm.Txn) (T, bool) {
	return q.try(tx, q.Pop)
}

type option[T any] struct {
	val T
	ok  bool
}

func (q *TQueue[T]) try(tx *stm.Txn, op func(*stm.Txn) T) (T, bool) {
	res, _ := stm.OrElse(tx,
		func(tx *stm.Txn) (option[T], error) {
			return option[T]{val: op(tx), ok: true}, nil
		},
		func(*stm.Txn) (option[T], error) {
			return option[T]{}, nil
		})
	return res.val, res.ok
}

// Flush removes every element and returns them in queue order.
func (q *TQueue[T]) Flush(tx *stm.Txn) []T {
	front := stm.Get(tx, q.read)
	back := stm.Get(tx, q.write)
	if front.Len() == 0 && back.Len() == 0 {
		return nil
	}
	out := make([]T, 0, front.Len()+back.Len())
	out = appendInOrder(out, front)
	out = appendReversed(out, back)
	stm.Set(tx, q.read, immutable.NewList[T]())
	stm.Set(tx, q.write, immutable.NewList[T]())
	return out
}

// IsEmpty reports whether the queue holds no element. It never retries.
func (q *TQueue[T]) IsEmpty(tx *stm.Txn) bool {
	return stm.Get(tx, q.read).Len() == 0 && stm.Get(tx, q.write).Len() == 0
}

// IsNotEmpty reports whether the queue holds an element. It never retries.
func (q *TQueue[T]) IsNotEmpty(tx *stm.Txn) bool {
	return !q.IsEmpty(tx)
}

// Size returns the number of elements in the queue.
func (q *TQueue[T]) Size(tx *stm.Txn) int {
	return stm.Get(tx, q.read).Len() + stm.Get(tx, q.write).Len()
}

// RemoveAll drops every element for which pred holds, keeping the order of the rest.
func (q *TQueue[T]) RemoveAll(tx *stm.Txn, pred func(T) bool) {
	front := stm.Get(tx, q.read)
	back := stm.Get(tx, q.write)
	keptFront := filter(front, pred)
	keptBack := filter(back, pred)
	if keptFront.Len() != front.Len() {
		stm.Set(tx, q.read, keptFront)
	}
	if keptBack.Len() != back.Len() {
		stm.Set(tx, q.write, keptBack)
	}
}

// front returns the read end, first moving the write end over if the read end is
// empty.
func (q *TQueue[T]) front(tx *stm.Txn) *immutable.List[T] {
	front := stm.Get(tx, q.read)
	if front.Len() > 0 {
		return front
	}
	back := stm.Get(tx, q.write)
	if back.Len() == 0 {
		return front
	}
	b := immutable.NewListBuilder[T]()
	itr := back.Iterator()
	for itr.Last(); !itr.Done(); {
		_, v := itr.Prev()
		b.Append(v)
	}
	front = b.List()
	stm.Set(tx, q.read, front)
	stm.Set(tx, q.write, immutable.NewList[T]())
	return front
}

func appendInOrder[T any](out []T, l *immutable.List[T]) []T {
	itr := l.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		out = append(out, v)
	}
	return out
}

func appendReversed[T any](out []T, l *immutable.List[T]) []T {
	itr := l.Iterator()
	for itr.Last(); !itr.Done(); {
		_, v := itr.Prev()
		out = append(out, v)
	}
	return out
}

func filter[T any](l *immutable.List[T], pred func(T) bool) *immutable.List[T] {
	b := immutable.NewListBuilder[T]()
	itr := l.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		if !pred(v) {
			b.Append(v)
		}
	}
	return b.List()
}
