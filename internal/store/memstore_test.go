package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMem_GetSetDel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMem()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := m.Get(ctx, "k")
	if err != nil || v != "v" {
		t.Fatalf("Get: want v/nil, got %q/%v", v, err)
	}

	if err := m.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after Del, got %v", err)
	}
}

func TestMem_TTLExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMem()

	now := time.Now()
	m.SetClock(func() time.Time { return now })

	if err := m.Set(ctx, "k", "v", 500*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	now = now.Add(time.Second)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after expiry, got %v", err)
	}
}

func TestMem_Lists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMem()

	if err := m.RPush(ctx, "l", "a", "b", "c"); err != nil {
		t.Fatalf("RPush: %v", err)
	}

	all, err := m.LRange(ctx, "l", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(all) != 3 || all[0] != "a" || all[2] != "c" {
		t.Fatalf("LRange 0..-1: got %v", all)
	}

	mid, err := m.LRange(ctx, "l", 1, 1)
	if err != nil || len(mid) != 1 || mid[0] != "b" {
		t.Fatalf("LRange 1..1: got %v, err %v", mid, err)
	}

	ok, err := m.Expire(ctx, "l", time.Hour)
	if err != nil || !ok {
		t.Fatalf("Expire existing list: ok=%v err=%v", ok, err)
	}
	ok, err = m.Expire(ctx, "nope", time.Hour)
	if err != nil || ok {
		t.Fatalf("Expire missing key: ok=%v err=%v", ok, err)
	}
}
