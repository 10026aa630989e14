package quota

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
)

type fakeCounter struct {
	recent int
	active int
	err    error
}

func (f *fakeCounter) CountRecentForOwner(ctx domain.Context, ownerID string, window time.Duration) (int, error) {
	return f.recent, f.err
}

func (f *fakeCounter) CountActiveForOwner(ctx domain.Context, ownerID string) (int, error) {
	return f.active, f.err
}

func newTestGate(t *testing.T, counts *fakeCounter, hourly, active int) (*OwnerGate, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewOwnerGate(counts, rdb, nil, hourly, active), mr
}

func TestAllow_ActiveLimitDenies(t *testing.T) {
	gate := NewOwnerGate(&fakeCounter{active: 3}, nil, nil, 20, 3)

	dec, err := gate.Allow(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial at the active cap")
	}
	if dec.Reason != "active export limit reached" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestAllow_HourlyLimitDenies(t *testing.T) {
	gate := NewOwnerGate(&fakeCounter{recent: 20}, nil, nil, 20, 3)

	dec, err := gate.Allow(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial at the hourly cap")
	}
	if dec.RetryAfter != time.Hour {
		t.Fatalf("expected retryAfter of an hour, got %v", dec.RetryAfter)
	}
}

func TestAllow_UnderLimitsWithoutRedis(t *testing.T) {
	gate := NewOwnerGate(&fakeCounter{recent: 5, active: 1}, nil, nil, 20, 3)

	dec, err := gate.Allow(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow when under both caps, got reason %q", dec.Reason)
	}
}

func TestAllow_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("store down")
	gate := NewOwnerGate(&fakeCounter{err: boom}, nil, nil, 20, 3)

	_, err := gate.Allow(context.Background(), "owner-1")
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
}

func TestAllow_BucketDeniesBurst(t *testing.T) {
	ctx := context.Background()
	// Hourly limit 2 gives a 2-token bucket refilling one token every 30
	// minutes, so the third immediate call must hit the bucket.
	gate, _ := newTestGate(t, &fakeCounter{}, 2, 3)

	for i := 0; i < 2; i++ {
		dec, err := gate.Allow(ctx, "owner-1")
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("expected allow on call %d, got reason %q", i, dec.Reason)
		}
	}

	dec, err := gate.Allow(ctx, "owner-1")
	if err != nil {
		t.Fatalf("unexpected error once bucket drained: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected bucket to deny the burst")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retryAfter from the bucket, got %v", dec.RetryAfter)
	}
}

func TestAllow_BucketIsPerOwner(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, &fakeCounter{}, 1, 3)

	if dec, _ := gate.Allow(ctx, "owner-1"); !dec.Allowed {
		t.Fatalf("expected first owner allowed")
	}
	if dec, _ := gate.Allow(ctx, "owner-2"); !dec.Allowed {
		t.Fatalf("expected second owner to have an untouched bucket")
	}
}

func TestObserve_ConsumesToken(t *testing.T) {
	ctx := context.Background()
	gate, mr := newTestGate(t, &fakeCounter{recent: 1}, 20, 3)

	gate.Observe(ctx, "owner-1")

	raw := mr.HGet(bucketKey("owner-1"), "tokens")
	if raw == "" {
		t.Fatalf("expected bucket state after observe")
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		t.Fatalf("unexpected tokens value %q: %v", raw, err)
	}
	if tokens > 19.5 {
		t.Fatalf("expected a token consumed, got %v remaining", tokens)
	}
}

func TestObserve_SoftLimitNeverBlocks(t *testing.T) {
	// Over the hourly limit: Observe logs and counts but must return.
	gate := NewOwnerGate(&fakeCounter{recent: 25}, nil, nil, 20, 3)
	gate.Observe(context.Background(), "owner-1")

	// Store errors are swallowed too.
	gate = NewOwnerGate(&fakeCounter{err: errors.New("store down")}, nil, nil, 20, 3)
	gate.Observe(context.Background(), "owner-1")
}

func TestWarmFromStore_NilDepsNoError(t *testing.T) {
	gate := NewOwnerGate(&fakeCounter{}, nil, nil, 20, 3)
	if err := gate.WarmFromStore(context.Background()); err != nil {
		t.Fatalf("expected no error warming with nil deps, got %v", err)
	}
}
