package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamengine/internal/domain"
)

func TestFallbackStoreGetMissing(t *testing.T) {
	s := NewFallbackStore()
	_, err := s.Get(context.Background(), domain.PlaybackKey{TitleID: "tt1"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFallbackStoreSaveReturnsCopy(t *testing.T) {
	s := NewFallbackStore()
	key := domain.PlaybackKey{TitleID: "tt1", Season: 1, Episode: 2}
	st := domain.FallbackState{Key: key, Tried: []string{"a"}, UpdatedAt: time.Now()}
	if err := s.Save(context.Background(), st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	st.Tried[0] = "mutated"

	got, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tried[0] != "a" {
		t.Fatalf("store shares slice with caller: %v", got.Tried)
	}
	got.Tried = append(got.Tried, "b")
	again, _ := s.Get(context.Background(), key)
	if len(again.Tried) != 1 {
		t.Fatalf("Get result shares slice with store: %v", again.Tried)
	}
}

func TestFallbackStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewFallbackStore(WithMaxEntries(2))
	ctx := context.Background()
	now := time.Now()
	k1 := domain.PlaybackKey{TitleID: "tt1"}
	k2 := domain.PlaybackKey{TitleID: "tt2"}
	k3 := domain.PlaybackKey{TitleID: "tt3"}

	_ = s.Save(ctx, domain.FallbackState{Key: k1, UpdatedAt: now})
	_ = s.Save(ctx, domain.FallbackState{Key: k2, UpdatedAt: now})
	if _, err := s.Get(ctx, k1); err != nil {
		t.Fatalf("Get k1: %v", err)
	}
	_ = s.Save(ctx, domain.FallbackState{Key: k3, UpdatedAt: now})

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if _, err := s.Get(ctx, k2); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("k2 should be evicted, got %v", err)
	}
	if _, err := s.Get(ctx, k1); err != nil {
		t.Fatalf("k1 should survive: %v", err)
	}
}

func TestFallbackStoreExpiresEntries(t *testing.T) {
	s := NewFallbackStore(WithTTL(time.Minute))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	key := domain.PlaybackKey{TitleID: "tt1"}
	_ = s.Save(context.Background(), domain.FallbackState{Key: key, UpdatedAt: now})

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(context.Background(), key); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry should be removed")
	}
}
