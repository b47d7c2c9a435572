package storage

import (
	"context"
	"testing"
	"time"
)

// TestLockCompatibility models spec scenario 4: two shared locks are
// granted concurrently; a subsequent exclusive request waits until
// both shared holders release, then is granted.
func TestLockCompatibility(t *testing.T) {
	lm := NewLockManager()
	res := ResourceID{Table: "t"}
	ctx := context.Background()

	if err := lm.Acquire(ctx, 1, res, Shared); err != nil {
		t.Fatalf("t1 acquire shared: %v", err)
	}
	if err := lm.Acquire(ctx, 2, res, Shared); err != nil {
		t.Fatalf("t2 acquire shared: %v", err)
	}

	granted := make(chan error, 1)
	go func() { granted <- lm.Acquire(ctx, 3, res, Exclusive) }()

	select {
	case <-granted:
		t.Fatal("t3's exclusive request was granted while shared holders remain")
	case <-time.After(50 * time.Millisecond):
	}

	if mode, ok := lm.Holds(3, res); ok {
		t.Fatalf("t3 should not hold the resource yet, got mode %v", mode)
	}

	lm.Release(1, res)
	select {
	case <-granted:
		t.Fatal("t3 granted before t2 (second shared holder) released")
	case <-time.After(20 * time.Millisecond):
	}

	lm.Release(2, res)
	select {
	case err := <-granted:
		if err != nil {
			t.Fatalf("t3 acquire exclusive: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("t3's exclusive request never granted after both shared holders released")
	}

	if mode, ok := lm.Holds(3, res); !ok || mode != Exclusive {
		t.Fatalf("t3 holds = (%v, %v), want (Exclusive, true)", mode, ok)
	}
}

func TestLockManagerNeverGrantsTwoExclusive(t *testing.T) {
	lm := NewLockManager()
	res := ResourceID{Table: "t"}
	ctx := context.Background()

	if err := lm.Acquire(ctx, 1, res, Exclusive); err != nil {
		t.Fatalf("t1 acquire exclusive: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := lm.Acquire(cctx, 2, res, Exclusive); err == nil {
		t.Fatal("t2 acquired exclusive concurrently with t1's exclusive hold")
	}
}
