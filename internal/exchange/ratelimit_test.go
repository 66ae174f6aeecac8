package exchange

import (
	"context"
	"testing"
	"time"
)

func TestTryAcquireExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(10)

	granted := 0
	for i := 0; i < 20; i++ {
		if ok, _ := rl.TryAcquire(); ok {
			granted++
		}
	}
	if granted != 10 {
		t.Errorf("granted %d tokens from a burst of 10", granted)
	}

	requests, denied := rl.Stats()
	if requests != 10 || denied != 10 {
		t.Errorf("stats = %d/%d, want 10/10", requests, denied)
	}
}

func TestBucketRefills(t *testing.T) {
	rl := NewRateLimiter(10)
	for i := 0; i < 10; i++ {
		rl.TryAcquire()
	}

	time.Sleep(150 * time.Millisecond) // ~1.5 tokens at 10/s
	if ok, _ := rl.TryAcquire(); !ok {
		t.Error("bucket should have refilled at least one token")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail when the context expires first")
	}
}
