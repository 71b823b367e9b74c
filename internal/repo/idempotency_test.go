package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

func newIdemRepoDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("idem_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestCreateIdempotency_DuplicateNonce(t *testing.T) {
	db := newIdemRepoDB(t)
	ctx := context.Background()

	rec, err := CreateIdempotency(ctx, db, "c1", "nonce-1", 42, time.Hour)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if rec.MessageID != 42 || rec.ExpiresAt.Before(rec.CreatedAt) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := CreateIdempotency(ctx, db, "c1", "nonce-1", 43, time.Hour); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// same nonce in another conversation is a distinct submission
	if _, err := CreateIdempotency(ctx, db, "c2", "nonce-1", 44, time.Hour); err != nil {
		t.Fatalf("cross-conversation nonce must be allowed: %v", err)
	}
}

func TestGetIdempotency_TTLAndBlankNonce(t *testing.T) {
	db := newIdemRepoDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "c1", "nonce-1", 42, time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	now := time.Now().UTC()
	rec, err := GetIdempotency(ctx, db, "c1", "nonce-1", now)
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.MessageID != 42 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// after expiry the record no longer absorbs duplicates
	if _, err := GetIdempotency(ctx, db, "c1", "nonce-1", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound past expiry, got %v", err)
	}

	if _, err := GetIdempotency(ctx, db, "c1", "   ", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blank nonce must be ErrNotFound, got %v", err)
	}
}

func TestPurgeIdempotency(t *testing.T) {
	db := newIdemRepoDB(t)
	ctx := context.Background()

	if _, err := CreateIdempotency(ctx, db, "c1", "short", 1, time.Minute); err != nil {
		t.Fatalf("seed short: %v", err)
	}
	if _, err := CreateIdempotency(ctx, db, "c1", "long", 2, time.Hour); err != nil {
		t.Fatalf("seed long: %v", err)
	}

	n, err := PurgeIdempotency(ctx, db, time.Now().UTC().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("PurgeIdempotency: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := GetIdempotency(ctx, db, "c1", "long", time.Now().UTC()); err != nil {
		t.Fatalf("long record must survive: %v", err)
	}
}
