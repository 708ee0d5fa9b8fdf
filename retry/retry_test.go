package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func policy(attempts int) Policy {
	return Policy{
		Name:        "test",
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := policy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Errorf("err = %v, calls = %d; want nil, 1", err, calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := policy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnFatal(t *testing.T) {
	calls := 0
	err := policy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("err = %v, want errFatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (fatal errors must not be retried)", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := policy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("err = %v, want errTransient", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := policy(10).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancellation must stop the loop)", calls)
	}
}

func TestDoDefaultsSingleAttempt(t *testing.T) {
	calls := 0
	p := Policy{Retryable: func(error) bool { return true }, BaseBackoff: time.Millisecond}
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for zero MaxAttempts", calls)
	}
}
