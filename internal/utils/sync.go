package utils

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a lightweight mutual-exclusion lock intended for regions that hold it
// for no more than a few loads and stores, such as a pool size class pushing or
// popping a cached address. The zero value is an unlocked SpinLock. It must not
// be copied after first use.
type SpinLock struct {
	state atomic.Uint32
}

func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

func (l *SpinLock) Unlock() {
	l.state.Store(0)
}
