// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package handle_test

import (
	"errors"
	"testing"

	"github.com/creachadair/mds/mtest"
	"github.com/google/go-cmp/cmp"

	"github.com/voxhollow/asterwire/handle"
)

func TestResolve(t *testing.T) {
	h := handle.New[string](nil)
	if h.Done() {
		t.Error("Done: true before settlement")
	}
	if _, err := h.Result(); !errors.Is(err, handle.ErrPending) {
		t.Errorf("Result: got error %v, want ErrPending", err)
	}

	var got []string
	h.OnResult(func(v string) { got = append(got, "early:"+v) })
	h.OnReject(func(err error) { t.Errorf("unexpected rejection: %v", err) })

	h.Resolve("ok")

	// A sink attached after settlement fires immediately.
	h.OnResult(func(v string) { got = append(got, "late:"+v) })

	want := []string{"early:ok", "late:ok"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sink calls (-want, +got):\n%s", diff)
	}
	if !h.Done() {
		t.Error("Done: false after settlement")
	}
	if v, err := h.Result(); v != "ok" || err != nil {
		t.Errorf("Result: got %q, %v; want ok, nil", v, err)
	}
}

func TestReject(t *testing.T) {
	errBoom := errors.New("boom")
	h := handle.New[int](nil)
	h.OnResult(func(int) { t.Error("unexpected result") })

	var got []error
	h.OnReject(func(err error) { got = append(got, err) })
	h.Reject(errBoom)
	h.OnReject(func(err error) { got = append(got, err) })

	if len(got) != 2 || got[0] != errBoom || got[1] != errBoom {
		t.Errorf("Rejection sinks: got %v, want [boom boom]", got)
	}
	if _, err := h.Result(); !errors.Is(err, errBoom) {
		t.Errorf("Result: got error %v, want boom", err)
	}
}

func TestDoubleSettle(t *testing.T) {
	h := handle.New[int](nil)
	h.Resolve(1)

	got := mtest.MustPanic(t, func() { h.Resolve(2) })
	if got != handle.ErrSettled {
		t.Errorf("second Resolve: got panic %v, want ErrSettled", got)
	}
	got = mtest.MustPanic(t, func() { h.Reject(errors.New("nope")) })
	if got != handle.ErrSettled {
		t.Errorf("Reject after Resolve: got panic %v, want ErrSettled", got)
	}
}

func TestSinkPanicIsolated(t *testing.T) {
	var faults []error
	h := handle.New[int](func(err error) { faults = append(faults, err) })

	var after bool
	h.OnResult(func(int) { panic("sink exploded") })
	h.OnResult(func(int) { after = true })

	h.Resolve(3) // must not panic out of Resolve

	if len(faults) != 1 {
		t.Errorf("Fault sink: got %d reports, want 1", len(faults))
	}
	if !after {
		t.Error("sink after the panicking one did not run")
	}
}

func TestAll(t *testing.T) {
	t.Run("resolve", func(t *testing.T) {
		a := handle.New[int](nil)
		b := handle.New[int](nil)
		all := handle.All(nil, a, b)

		b.Resolve(2)
		if all.Done() {
			t.Error("All settled before all members")
		}
		a.Resolve(1)

		got, err := all.Result()
		if err != nil {
			t.Fatalf("Result: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
			t.Errorf("Result (-want, +got):\n%s", diff)
		}
	})

	t.Run("reject", func(t *testing.T) {
		errBoom := errors.New("boom")
		a := handle.New[int](nil)
		b := handle.New[int](nil)
		all := handle.All(nil, a, b)

		a.Reject(errBoom)
		if _, err := all.Result(); !errors.Is(err, errBoom) {
			t.Errorf("Result: got error %v, want boom", err)
		}
		// A member settling afterward must not re-settle the aggregate.
		b.Resolve(2)
	})

	t.Run("empty", func(t *testing.T) {
		all := handle.All[int](nil)
		if !all.Done() {
			t.Error("All of nothing did not settle")
		}
	})
}
