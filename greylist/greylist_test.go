package greylist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testChecker(t *testing.T) (*RedisChecker, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })

	g := NewFromClient(rdb, DefaultConfig(), nil)
	return g, mr, &now
}

func advance(mr *miniredis.Miniredis, now *time.Time, d time.Duration) {
	*now = now.Add(d)
	mr.FastForward(d)
}

func TestFirstContactDelays(t *testing.T) {
	g, _, _ := testChecker(t)
	ctx := context.Background()

	wait, err := g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if wait != 5*time.Minute {
		t.Errorf("first contact wait = %v, want 5m", wait)
	}
}

func TestEarlyRetryDoesNotReset(t *testing.T) {
	g, mr, now := testChecker(t)
	ctx := context.Background()

	g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	advance(mr, now, 2*time.Minute)

	wait, err := g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if wait != 3*time.Minute {
		t.Errorf("early retry wait = %v, want remaining 3m", wait)
	}

	// A further early retry still counts from first contact.
	advance(mr, now, 2*time.Minute)
	wait, _ = g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if wait != time.Minute {
		t.Errorf("second early retry wait = %v, want 1m", wait)
	}
}

func TestRetryAfterDelayPasses(t *testing.T) {
	g, mr, now := testChecker(t)
	ctx := context.Background()

	g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	advance(mr, now, 6*time.Minute)

	wait, err := g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if wait != 0 {
		t.Errorf("retry after delay wait = %v, want 0", wait)
	}

	// Passed triples stay passed well beyond the retry window.
	advance(mr, now, 30*24*time.Hour)
	wait, _ = g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if wait != 0 {
		t.Errorf("established triple wait = %v, want 0", wait)
	}
}

func TestAbandonedTripleStartsOver(t *testing.T) {
	g, mr, now := testChecker(t)
	ctx := context.Background()

	g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")

	// Never retried within the window: forgotten.
	advance(mr, now, 7*time.Hour)

	wait, err := g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	if err != nil {
		t.Fatal(err)
	}
	if wait != 5*time.Minute {
		t.Errorf("abandoned triple wait = %v, want full delay", wait)
	}
}

func TestTriplesAreIndependent(t *testing.T) {
	g, mr, now := testChecker(t)
	ctx := context.Background()

	g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com")
	advance(mr, now, 6*time.Minute)

	if wait, _ := g.Check(ctx, "192.0.2.1", "a@x.com", "b@y.com"); wait != 0 {
		t.Errorf("known triple wait = %v", wait)
	}
	if wait, _ := g.Check(ctx, "192.0.2.1", "a@x.com", "other@y.com"); wait == 0 {
		t.Error("different recipient passed without delay")
	}
	if wait, _ := g.Check(ctx, "198.51.100.7", "a@x.com", "b@y.com"); wait == 0 {
		t.Error("different client passed without delay")
	}
}
