package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	sentinel := errors.New("stale state")
	wrapped := Wrap(sentinel, "update task")
	if !errors.Is(wrapped, sentinel) {
		t.Errorf("wrapped error must keep the chain: %v", wrapped)
	}
	if wrapped.Error() != "update task: stale state" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if Wrap(nil, "noop") != nil {
		t.Errorf("Wrap(nil) must be nil")
	}
}

func TestWrapf(t *testing.T) {
	sentinel := errors.New("incomplete aggregation")
	wrapped := Wrapf(sentinel, "worker %s", "tagger")
	if !errors.Is(wrapped, sentinel) {
		t.Errorf("wrapped error must keep the chain: %v", wrapped)
	}
	if wrapped.Error() != "worker tagger: incomplete aggregation" {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if Wrapf(nil, "noop %d", 1) != nil {
		t.Errorf("Wrapf(nil) must be nil")
	}
}

func TestCause(t *testing.T) {
	root := errors.New("connection reset")
	err := Wrap(Wrapf(root, "attempt %d", 2), "execute task")
	if got := Cause(err); got != root {
		t.Errorf("Cause: expected root error, got %v", got)
	}
	if Cause(nil) != nil {
		t.Errorf("Cause(nil) must be nil")
	}
}
