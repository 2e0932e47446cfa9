package lock

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h.PID != os.Getpid() || h.Since.IsZero() {
		t.Errorf("holder = %+v, want this process", h)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if h, _ := Read(dir); h.PID != 0 {
		t.Errorf("holder after release = %+v, want none", h)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", lockErr.PID, os.Getpid())
	}
}

func TestReleaseNilAndIdempotent(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestParse(t *testing.T) {
	h := parse("pid=4242\ntime=2026-01-02T03:04:05Z\n")
	if h.PID != 4242 || h.Since.Year() != 2026 {
		t.Errorf("parse = %+v", h)
	}
	if h := parse("garbage"); h.PID != 0 {
		t.Errorf("parse(garbage) = %+v, want zero", h)
	}
}
