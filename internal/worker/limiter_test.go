package worker

import (
	"errors"
	"testing"
)

func TestLimiterBoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	if err := l.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := l.Acquire(); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}

	l.Release()
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestLimiterMinimumSize(t *testing.T) {
	l := NewLimiter(0)
	if err := l.Acquire(); err != nil {
		t.Fatalf("expected one slot minimum: %v", err)
	}
	if err := l.Acquire(); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	l := NewLimiter(1)
	l.Release()
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
}
