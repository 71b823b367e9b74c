package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/fingerprint"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

func newCacheDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:cachesvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.AIResponseCache{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCacheService_LookupMissThenStoreThenHit(t *testing.T) {
	db := newCacheDB(t)
	s := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	ctx := context.Background()

	entry, fp, err := s.Lookup(ctx, "What are your hours?")
	if err != nil {
		t.Fatalf("lookup miss: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected miss, got %+v", entry)
	}
	if fp == "" || len(fp) != 64 {
		t.Fatalf("miss must still return the fingerprint, got %q", fp)
	}

	intent := "hours"
	if err := s.Store(ctx, fp, "What are your hours?", "We open at 9am.", &intent); err != nil {
		t.Fatalf("store: %v", err)
	}

	// the serve that produced the fresh entry is its first hit
	row, err := repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("reload after store: %v", err)
	}
	if row.HitCount != 1 {
		t.Fatalf("hit_count after store = %d, want 1", row.HitCount)
	}

	// a paraphrase with different case and punctuation hits the same entry
	entry, fp2, err := s.Lookup(ctx, "what ARE your hours")
	if err != nil {
		t.Fatalf("lookup hit: %v", err)
	}
	if fp2 != fp {
		t.Fatalf("paraphrase fingerprint mismatch: %s vs %s", fp2, fp)
	}
	if entry == nil || entry.CachedResponse != "We open at 9am." {
		t.Fatalf("expected cached response, got %+v", entry)
	}
	if entry.Intent == nil || *entry.Intent != "hours" {
		t.Fatalf("intent not stored: %+v", entry.Intent)
	}

	// the paraphrase hit bumped the counter past the initial serve
	row, err = repo.GetCacheEntry(ctx, db, fp)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.HitCount != 2 {
		t.Fatalf("hit_count = %d, want 2", row.HitCount)
	}
}

func TestCacheService_ExpiredEntryIsMissAndReplaced(t *testing.T) {
	db := newCacheDB(t)
	s := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return base }

	_, fp, _ := s.Lookup(ctx, "shipping costs")
	if err := s.Store(ctx, fp, "shipping costs", "Shipping is 5 EUR.", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	// move past the TTL: the entry no longer serves
	s.nowFn = func() time.Time { return base.Add(2 * time.Hour) }
	entry, _, err := s.Lookup(ctx, "shipping costs")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry != nil {
		t.Fatalf("expired entry must miss, got %+v", entry)
	}

	// the next store overwrites the stale row in place
	if err := s.Store(ctx, fp, "shipping costs", "Shipping is now 6 EUR.", nil); err != nil {
		t.Fatalf("re-store: %v", err)
	}
	entry, _, err = s.Lookup(ctx, "shipping costs")
	if err != nil || entry == nil {
		t.Fatalf("post-replace lookup: %+v, %v", entry, err)
	}
	if entry.CachedResponse != "Shipping is now 6 EUR." {
		t.Fatalf("stale row not replaced: %+v", entry)
	}
}

func TestCacheService_StoreLosesRaceToLiveRow(t *testing.T) {
	db := newCacheDB(t)
	s := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	ctx := context.Background()

	fp := fingerprint.Fingerprint("question")
	if err := s.Store(ctx, fp, "question", "first answer", nil); err != nil {
		t.Fatalf("first store: %v", err)
	}
	if err := s.Store(ctx, fp, "question", "second answer", nil); err != nil {
		t.Fatalf("second store: %v", err)
	}

	entry, _, _ := s.Lookup(ctx, "question")
	if entry == nil || entry.CachedResponse != "first answer" {
		t.Fatalf("live row must win the race: %+v", entry)
	}
}

func TestCacheService_RecordOutcome(t *testing.T) {
	db := newCacheDB(t)
	s := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	ctx := context.Background()

	fp := fingerprint.Fingerprint("question")
	if err := s.Store(ctx, fp, "question", "answer", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := s.RecordOutcome(ctx, fp, true); err != nil {
		t.Fatalf("positive outcome: %v", err)
	}
	row, _ := repo.GetCacheEntry(ctx, db, fp)
	if row.SuccessCount != 1 {
		t.Fatalf("success_count = %d, want 1", row.SuccessCount)
	}
	// one success over the store's initial serve
	if row.SuccessRate != 100 {
		t.Fatalf("success_rate = %v, want 100", row.SuccessRate)
	}

	// negative outcomes and unknown fingerprints are no-ops
	if err := s.RecordOutcome(ctx, fp, false); err != nil {
		t.Fatalf("negative outcome: %v", err)
	}
	if err := s.RecordOutcome(ctx, "0000000000000000000000000000000000000000000000000000000000000000", true); err != nil {
		t.Fatalf("unknown fingerprint: %v", err)
	}
	row, _ = repo.GetCacheEntry(ctx, db, fp)
	if row.SuccessCount != 1 {
		t.Fatalf("success_count moved on a no-op: %d", row.SuccessCount)
	}
}

func TestCacheService_Sweep(t *testing.T) {
	db := newCacheDB(t)
	s := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.nowFn = func() time.Time { return base }

	if err := s.Store(ctx, fingerprint.Fingerprint("old"), "old", "a", nil); err != nil {
		t.Fatalf("store old: %v", err)
	}

	s.nowFn = func() time.Time { return base.Add(48 * time.Hour) }
	if err := s.Store(ctx, fingerprint.Fingerprint("new"), "new", "b", nil); err != nil {
		t.Fatalf("store new: %v", err)
	}

	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if entry, _, _ := s.Lookup(ctx, "new"); entry == nil {
		t.Fatalf("fresh entry must survive the sweep")
	}
}
