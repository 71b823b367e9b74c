// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AIResponseCache model.
//
// Concurrency notes:
//   - InsertCacheEntry uses an ON CONFLICT DO NOTHING upsert so that two
//     requests missing simultaneously for the same normalized text cannot
//     create two rows; the fingerprint's uniqueness is a hard invariant and
//     the already-present row is authoritative.
//   - Counter bumps are single atomic UPDATE statements with in-database
//     arithmetic, never read-modify-write from Go, so parallel hits and
//     outcome recordings cannot race each other.
//   - success_rate is recomputed inside the same UPDATE that moves a
//     counter, keeping the derived column consistent at every instant.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// GetCacheEntry fetches a cache row by fingerprint, expired or not.
// Expiry policy belongs to the service layer.
func GetCacheEntry(ctx context.Context, db *gorm.DB, fp string) (*domain.AIResponseCache, error) {
	var e domain.AIResponseCache
	if err := db.WithContext(ctx).Where("message_fingerprint = ?", fp).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertCacheEntry atomically inserts a cache row, doing nothing when a
// concurrent writer got there first. It reports created=false on conflict;
// the caller treats the existing row as authoritative.
func InsertCacheEntry(ctx context.Context, db *gorm.DB, e *domain.AIResponseCache) (created bool, err error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_fingerprint"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordCacheHit bumps hit_count and last_used_at for a fingerprint and
// recomputes success_rate from the post-increment counters, all in one
// statement. Unknown fingerprints are a silent no-op.
func RecordCacheHit(ctx context.Context, db *gorm.DB, fp string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.AIResponseCache{}).
		Where("message_fingerprint = ?", fp).
		Updates(map[string]any{
			"hit_count":    gorm.Expr("hit_count + 1"),
			"success_rate": gorm.Expr("success_count * 100.0 / (hit_count + 1)"),
			"last_used_at": now,
		}).Error
}

// RecordCacheSuccess bumps success_count for a fingerprint and recomputes
// success_rate (zero while hit_count is zero). Unknown fingerprints are a
// deliberate no-op: an outcome may arrive for an entry that was already
// swept, and robustness beats strictness here.
func RecordCacheSuccess(ctx context.Context, db *gorm.DB, fp string) error {
	return db.WithContext(ctx).
		Model(&domain.AIResponseCache{}).
		Where("message_fingerprint = ?", fp).
		Updates(map[string]any{
			"success_count": gorm.Expr("success_count + 1"),
			"success_rate":  gorm.Expr("CASE WHEN hit_count > 0 THEN (success_count + 1) * 100.0 / hit_count ELSE 0 END"),
		}).Error
}

// ReplaceCacheEntry overwrites a stale row in place (new response, reset
// counters, fresh expiry) while keeping the fingerprint and row identity.
// Used when a miss-write supersedes an expired entry.
func ReplaceCacheEntry(ctx context.Context, db *gorm.DB, e *domain.AIResponseCache) error {
	return db.WithContext(ctx).
		Model(&domain.AIResponseCache{}).
		Where("message_fingerprint = ?", e.MessageFingerprint).
		Updates(map[string]any{
			"normalized_message": e.NormalizedMessage,
			"cached_response":    e.CachedResponse,
			"intent":             e.Intent,
			"hit_count":          e.HitCount,
			"success_count":      e.SuccessCount,
			"success_rate":       e.SuccessRate,
			"last_used_at":       e.LastUsedAt,
			"expires_at":         e.ExpiresAt,
		}).Error
}

// PurgeCacheEntries removes rows past their expiry, plus rows untouched
// since the retention cutoff (zero cutoff disables the retention sweep).
// Returns the number of rows removed.
func PurgeCacheEntries(ctx context.Context, db *gorm.DB, now time.Time, retentionCutoff time.Time) (int64, error) {
	q := db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now)
	if !retentionCutoff.IsZero() {
		q = q.Or("last_used_at IS NOT NULL AND last_used_at <= ?", retentionCutoff)
	}
	res := q.Delete(&domain.AIResponseCache{})
	return res.RowsAffected, res.Error
}
