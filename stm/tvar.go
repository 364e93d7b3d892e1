package stm

import (
	"fmt"

	"go.uber.org/atomic"
)

var tvarIDAlloc = atomic.NewUint64(0)

// tvar is the type erased view of a TVar used by the transaction log.
type tvar interface {
	id() uint64
	version() uint64
	loadAny() (interface{}, uint64)
	commitAny(expected uint64, val interface{}) bool
}

type tvarState[T any] struct {
	val T
	ver uint64
}

// TVar is a transactional variable: a value together with a version that is bumped by
// every commit writing it.
type TVar[T any] struct {
	vid   uint64
	state atomic.Pointer[tvarState[T]]
}

// NewTVar creates a TVar holding v at version 0.
func NewTVar[T any](v T) *TVar[T] {
	tv := &TVar[T]{vid: tvarIDAlloc.Inc()}
	tv.state.Store(&tvarState[T]{val: v})
	return tv
}

func (tv *TVar[T]) load() *tvarState[T] {
	return tv.state.Load()
}

// ID returns the process unique identity of the TVar.
func (tv *TVar[T]) ID() uint64 {
	return tv.vid
}

// Load returns the committed value and the version that produced it. It never blocks
// and never observes a value with another commit's version.
func (tv *TVar[T]) Load() (T, uint64) {
	st := tv.load()
	return st.val, st.ver
}

// Version returns the committed version.
func (tv *TVar[T]) Version() uint64 {
	return tv.load().ver
}

// tryCommit installs v if the committed version still equals expected.
func (tv *TVar[T]) tryCommit(expected uint64, v T) bool {
	cur := tv.load()
	if cur.ver != expected {
		return false
	}
	return tv.state.CompareAndSwap(cur, &tvarState[T]{val: v, ver: expected + 1})
}

func (tv *TVar[T]) String() string {
	st := tv.load()
	return fmt.Sprintf("TVar(%d)@%d{%v}", tv.vid, st.ver, st.val)
}

func (tv *TVar[T]) id() uint64 {
	return tv.vid
}

func (tv *TVar[T]) version() uint64 {
	return tv.load().ver
}

func (tv *TVar[T]) loadAny() (interface{}, uint64) {
	st := tv.load()
	return st.val, st.ver
}

func (tv *TVar[T]) commitAny(expected uint64, val interface{}) bool {
	v, _ := val.(T)
	return tv.tryCommit(expected, v)
}
