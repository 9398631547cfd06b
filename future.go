package pclient

import (
	"context"
	"sync"
)

type futureState uint8

const (
	futurePending futureState = iota
	futureSucceeded
	futureFailed
)

// Future is resolved exactly once with either a value or an error.
// Resolutions after the first one are dropped.
type Future struct {
	lk        sync.Mutex
	state     futureState
	value     any
	err       error
	done      chan struct{}
	callbacks []func(any, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future and reports whether this call won.
func (f *Future) complete(value any, err error) bool {
	f.lk.Lock()
	if f.state != futurePending {
		f.lk.Unlock()
		return false
	}
	if err != nil {
		f.state = futureFailed
		f.err = err
	} else {
		f.state = futureSucceeded
		f.value = value
	}
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.lk.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Get blocks until the future is resolved or ctx is done.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.lk.Lock()
	defer f.lk.Unlock()
	return f.value, f.err
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// AndThen registers cb to run once the future is resolved. If it already
// is, cb runs immediately on the calling goroutine, otherwise on the
// goroutine resolving the future.
func (f *Future) AndThen(cb func(value any, err error)) {
	f.lk.Lock()
	if f.state == futurePending {
		f.callbacks = append(f.callbacks, cb)
		f.lk.Unlock()
		return
	}
	value, err := f.value, f.err
	f.lk.Unlock()
	cb(value, err)
}
