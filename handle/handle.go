// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package handle implements a single-shot deferred result: a slot that is
// settled exactly once with a value or an error, and sinks that observe
// the outcome. Every asynchronous request issued by the protocol engines
// returns one.
package handle

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSettled is the panic value raised by settling a handle a second time.
// Settling twice is a programmer error and is surfaced synchronously.
var ErrSettled = errors.New("handle already settled")

// ErrPending is reported by Result when the handle is not yet settled.
var ErrPending = errors.New("handle not settled")

// A Handle is a single-shot result slot. The producer settles it with
// Resolve or Reject; consumers attach sinks with OnResult and OnReject.
// Sinks attached after settlement are invoked immediately with the stored
// outcome, so a consumer can never miss it.
//
// Sinks run synchronously on the goroutine that settles the handle,
// before control returns to the I/O driver. A panic out of a sink is
// recovered and routed to the fault sink configured by the handle's
// owner; it never propagates into the settling engine.
type Handle[T any] struct {
	mu       sync.Mutex
	done     bool
	val      T
	err      error
	onResult []func(T)
	onReject []func(error)
	fault    func(error)
}

// New constructs an unsettled handle. Panics recovered from sinks are
// delivered to fault; a nil fault discards them.
func New[T any](fault func(error)) *Handle[T] {
	return &Handle[T]{fault: fault}
}

// Resolve settles the handle successfully with v and fires any attached
// result sinks. It panics with ErrSettled if the handle is already
// settled.
func (h *Handle[T]) Resolve(v T) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		panic(ErrSettled)
	}
	h.done = true
	h.val = v
	sinks := h.onResult
	h.onResult, h.onReject = nil, nil
	h.mu.Unlock()

	for _, f := range sinks {
		h.invokeResult(f, v)
	}
}

// Reject settles the handle with err and fires any attached rejection
// sinks. It panics with ErrSettled if the handle is already settled.
func (h *Handle[T]) Reject(err error) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		panic(ErrSettled)
	}
	h.done = true
	h.err = err
	sinks := h.onReject
	h.onResult, h.onReject = nil, nil
	h.mu.Unlock()

	for _, f := range sinks {
		h.invokeReject(f, err)
	}
}

// OnResult attaches a sink invoked with the handle's value on success. If
// the handle has already resolved, f runs immediately.
func (h *Handle[T]) OnResult(f func(T)) *Handle[T] {
	h.mu.Lock()
	if !h.done {
		h.onResult = append(h.onResult, f)
		h.mu.Unlock()
		return h
	}
	done, val := h.err == nil, h.val
	h.mu.Unlock()
	if done {
		h.invokeResult(f, val)
	}
	return h
}

// OnReject attaches a sink invoked with the handle's error on failure. If
// the handle has already been rejected, f runs immediately.
func (h *Handle[T]) OnReject(f func(error)) *Handle[T] {
	h.mu.Lock()
	if !h.done {
		h.onReject = append(h.onReject, f)
		h.mu.Unlock()
		return h
	}
	err := h.err
	h.mu.Unlock()
	if err != nil {
		h.invokeReject(f, err)
	}
	return h
}

// Done reports whether the handle has been settled.
func (h *Handle[T]) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Result returns the stored outcome. It reports ErrPending if the handle
// has not yet been settled.
func (h *Handle[T]) Result() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		var zero T
		return zero, ErrPending
	}
	return h.val, h.err
}

func (h *Handle[T]) invokeResult(f func(T), v T) {
	defer h.recoverSink()
	f(v)
}

func (h *Handle[T]) invokeReject(f func(error), err error) {
	defer h.recoverSink()
	f(err)
}

func (h *Handle[T]) recoverSink() {
	if x := recover(); x != nil && h.fault != nil {
		h.fault(fmt.Errorf("handle sink panicked (recovered): %v", x))
	}
}

// All returns a handle that resolves with the values of all the given
// handles, in order, once every one has resolved, or rejects with the
// first error any of them reports.
func All[T any](fault func(error), hs ...*Handle[T]) *Handle[[]T] {
	out := New[[]T](fault)
	if len(hs) == 0 {
		out.Resolve(nil)
		return out
	}
	var mu sync.Mutex
	results := make([]T, len(hs))
	pending := len(hs)
	settled := false
	for i, h := range hs {
		h.OnResult(func(v T) {
			mu.Lock()
			if settled {
				mu.Unlock()
				return
			}
			results[i] = v
			pending--
			fire := pending == 0
			if fire {
				settled = true
			}
			mu.Unlock()
			if fire {
				out.Resolve(results)
			}
		})
		h.OnReject(func(err error) {
			mu.Lock()
			if settled {
				mu.Unlock()
				return
			}
			settled = true
			mu.Unlock()
			out.Reject(err)
		})
	}
	return out
}
