package netx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryOperationZeroRetriesRunsOnce(t *testing.T) {
	attempts := 0
	_, err := RetryOperation(context.Background(), RetryOptions{}, func(int) (string, error) {
		attempts++
		return "", errors.New("fetch failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("want 1 attempt, got %d", attempts)
	}
}

func TestRetryOperationEventuallySucceeds(t *testing.T) {
	attempts := 0
	got, err := RetryOperation(context.Background(), RetryOptions{Retries: 3, BaseDelay: time.Millisecond}, func(int) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("fetch failed")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Fatalf("got %q after %d attempts", got, attempts)
	}
}

func TestRetryOperationStopsOnPermanent(t *testing.T) {
	attempts := 0
	bad := errors.New("404")
	_, err := RetryOperation(context.Background(), RetryOptions{Retries: 5, BaseDelay: time.Millisecond}, func(int) (string, error) {
		attempts++
		return "", Permanent(bad)
	})
	if !errors.Is(err, bad) || attempts != 1 {
		t.Fatalf("err=%v attempts=%d", err, attempts)
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		t.Fatal("permanent wrapper should be removed")
	}
}

func TestRetryOperationContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	fail := errors.New("fail")
	_, err := RetryOperation(ctx, RetryOptions{Retries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 100 * time.Millisecond}, func(int) (string, error) {
		attempts++
		cancel()
		return "", fail
	})
	if !errors.Is(err, fail) {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("want 1 attempt, got %d", attempts)
	}
}

func TestBackoffWithJitterCapsAtMaxDelay(t *testing.T) {
	opts := RetryOptions{Retries: 1, BaseDelay: 200 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	d := backoffWithJitter(opts, 10)
	if d < opts.MaxDelay {
		t.Fatalf("delay should be at least max delay, got %s", d)
	}
	if d > opts.MaxDelay+opts.MaxDelay/4+time.Nanosecond {
		t.Fatalf("delay too large: %s", d)
	}
}
