// Package services – ResponseCacheService
//
// This file implements ResponseCacheService, the component that owns the
// fingerprint-keyed AI response cache. Incoming visitor text is normalized
// and hashed into a stable fingerprint; a hit returns the stored response
// without touching the provider. Hit and success counters are maintained
// atomically in the database so concurrent lookups never lose updates, and
// the derived success rate is recomputed inside the same UPDATE.
//
// Expiry is lazy on read (an expired row counts as a miss and is replaced
// in place on the next store) and eager via Sweep, which background
// maintenance runs on a ticker.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/fingerprint"
	"github.com/dkoutas/go-livechat-backend/internal/metrics"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

// ResponseCacheService stores and retrieves AI responses keyed by the
// fingerprint of the normalized visitor message.
type ResponseCacheService struct {
	DB *gorm.DB

	// TTL bounds how long a cached response stays servable.
	TTL time.Duration
	// Retention bounds how long an unused entry survives before Sweep
	// removes it, independent of TTL.
	Retention time.Duration

	// nowFn is injectable for tests; defaults to time.Now.
	nowFn func() time.Time
}

// NewResponseCacheService constructs a cache service with sane defaults.
func NewResponseCacheService(db *gorm.DB, ttl, retention time.Duration) *ResponseCacheService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &ResponseCacheService{DB: db, TTL: ttl, Retention: retention, nowFn: time.Now}
}

func (s *ResponseCacheService) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn().UTC()
	}
	return time.Now().UTC()
}

// Lookup fingerprints the message and returns the cached entry on a live
// hit, bumping the hit counter and recomputing the success rate in the same
// statement. An expired row is reported as a miss. The returned fingerprint
// is always set so the caller can store a fresh response under it.
func (s *ResponseCacheService) Lookup(ctx context.Context, message string) (entry *domain.AIResponseCache, fp string, err error) {
	tr := otel.Tracer("services/ResponseCacheService")
	ctx, span := tr.Start(ctx, "Lookup")
	defer span.End()

	fp = fingerprint.Fingerprint(message)
	span.SetAttributes(attribute.String("cache.fingerprint", fp))

	row, err := repo.GetCacheEntry(ctx, s.DB, fp)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return nil, fp, nil
		}
		return nil, fp, err
	}

	now := s.now()
	if row.Expired(now) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		return nil, fp, nil
	}

	if err := repo.RecordCacheHit(ctx, s.DB, fp, now); err != nil {
		// The response is still servable; losing one counter bump is
		// preferable to failing the visitor's message.
		log.Warn().Err(err).Str("fingerprint", fp).Msg("cache hit counter update failed")
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return row, fp, nil
}

// Store persists a freshly generated response under the given fingerprint.
// A live row already present for the fingerprint wins the race and is left
// untouched; a stale row is overwritten in place.
func (s *ResponseCacheService) Store(ctx context.Context, fp, message, response string, intent *string) error {
	tr := otel.Tracer("services/ResponseCacheService")
	ctx, span := tr.Start(ctx, "Store",
		trace.WithAttributes(attribute.String("cache.fingerprint", fp)),
	)
	defer span.End()

	now := s.now()
	expires := now.Add(s.TTL)
	entry := &domain.AIResponseCache{
		MessageFingerprint: fp,
		NormalizedMessage:  fingerprint.Normalize(message),
		CachedResponse:     response,
		Intent:             intent,
		// The serve that produced this response counts as the first hit,
		// so a later success against it has a denominator.
		HitCount:   1,
		LastUsedAt: &now,
		ExpiresAt:  &expires,
	}

	created, err := repo.InsertCacheEntry(ctx, s.DB, entry)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	existing, err := repo.GetCacheEntry(ctx, s.DB, fp)
	if err != nil {
		return err
	}
	if !existing.Expired(now) {
		// Concurrent writer got there first with a live response.
		return nil
	}
	return repo.ReplaceCacheEntry(ctx, s.DB, entry)
}

// RecordOutcome folds a post-conversation signal back into the cache entry
// for the given fingerprint. Positive outcomes bump the success counter and
// recompute the rate atomically. An unknown fingerprint is a no-op: the
// entry may have been swept since the response was served.
func (s *ResponseCacheService) RecordOutcome(ctx context.Context, fp string, positive bool) error {
	tr := otel.Tracer("services/ResponseCacheService")
	ctx, span := tr.Start(ctx, "RecordOutcome",
		trace.WithAttributes(
			attribute.String("cache.fingerprint", fp),
			attribute.Bool("cache.positive", positive),
		),
	)
	defer span.End()

	if !positive {
		return nil
	}
	return repo.RecordCacheSuccess(ctx, s.DB, fp)
}

// Sweep removes entries that are past expiry or unused beyond the retention
// window and reports how many rows were deleted.
func (s *ResponseCacheService) Sweep(ctx context.Context) (int64, error) {
	tr := otel.Tracer("services/ResponseCacheService")
	ctx, span := tr.Start(ctx, "Sweep")
	defer span.End()

	now := s.now()
	return repo.PurgeCacheEntries(ctx, s.DB, now, now.Add(-s.Retention))
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
// It also purges expired idempotency records on the same cadence.
func (s *ResponseCacheService) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := s.Sweep(ctx)
				if err != nil {
					log.Error().Err(err).Msg("response cache sweep failed")
					continue
				}
				purged, err := repo.PurgeIdempotency(ctx, s.DB, s.now())
				if err != nil {
					log.Error().Err(err).Msg("idempotency purge failed")
				}
				log.Debug().Int64("cache_rows", n).Int64("idempotency_rows", purged).Msg("maintenance sweep complete")
			}
		}
	}()
}
