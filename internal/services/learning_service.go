// Package services – LearningService
//
// This file implements LearningService, which accumulates reusable answer
// patterns from conversations that ended well. Each pattern is keyed by the
// normalized visitor message; repeated successes raise a confidence score
// that starts at 60 for a single observation and grows by 10 per additional
// one, capped at 100. Ratings are folded into a running average without
// storing the individual samples.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/fingerprint"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

// patternMaxLen caps the stored pattern key so it fits the unique index.
const patternMaxLen = 255

// LearningService records successful visitor/response pairs as patterns
// with a growing confidence score.
type LearningService struct {
	DB *gorm.DB
}

// NewLearningService constructs a LearningService.
func NewLearningService(db *gorm.DB) *LearningService {
	return &LearningService{DB: db}
}

// RecordSuccess upserts a pattern for the normalized message. A fresh
// pattern starts with one success; repeats bump the counter and recompute
// the confidence score. A rating, when present, initializes or updates the
// running average.
func (s *LearningService) RecordSuccess(ctx context.Context, message, response string, intent *string, rating *int, tags []string) (*domain.AILearningPattern, error) {
	tr := otel.Tracer("services/LearningService")
	ctx, span := tr.Start(ctx, "RecordSuccess")
	defer span.End()

	key := normalizePattern(message)
	if key == "" {
		return nil, ErrEmptyMessage
	}
	span.SetAttributes(attribute.String("pattern.key", clipForSpan(key)))

	created, err := repo.InsertPattern(ctx, s.DB, domain.PatternTypeQuestion, key, response, intent, tags)
	if err != nil {
		return nil, err
	}
	if created {
		p, err := repo.FindPattern(ctx, s.DB, key)
		if err != nil {
			return nil, err
		}
		if rating != nil {
			r := float64(*rating)
			p.AvgRating = &r
			if err := repo.SavePattern(ctx, s.DB, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}

	// Existing pattern: fold the observation in. The read-modify-write is
	// acceptable because outcome recording runs under the conversation
	// lock, never concurrently for the same pattern and conversation.
	p, err := repo.FindPattern(ctx, s.DB, key)
	if err != nil {
		return nil, err
	}

	p.SuccessCount++
	p.ConfidenceScore = domain.Confidence(p.SuccessCount)
	p.SuccessfulResponse = response
	if rating != nil {
		r := float64(*rating)
		if p.AvgRating == nil {
			p.AvgRating = &r
		} else {
			n := float64(p.SuccessCount)
			avg := (*p.AvgRating*(n-1) + r) / n
			p.AvgRating = &avg
		}
	}
	if len(tags) > 0 {
		p.ContextTags = mergeTags(p.ContextTags, tags)
	}
	if err := repo.SavePattern(ctx, s.DB, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Match returns the stored pattern for the message, or nil when none exists.
func (s *LearningService) Match(ctx context.Context, message string) (*domain.AILearningPattern, error) {
	tr := otel.Tracer("services/LearningService")
	ctx, span := tr.Start(ctx, "Match")
	defer span.End()

	key := normalizePattern(message)
	if key == "" {
		return nil, nil
	}
	p, err := repo.FindPattern(ctx, s.DB, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// List returns patterns ordered by confidence, highest first.
func (s *LearningService) List(ctx context.Context, limit int) ([]domain.AILearningPattern, error) {
	tr := otel.Tracer("services/LearningService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return repo.ListPatterns(ctx, s.DB, limit)
}

// normalizePattern reduces a visitor message to the canonical pattern key,
// clipped to the unique index width.
func normalizePattern(message string) string {
	key := fingerprint.Normalize(message)
	if utf8.RuneCountInString(key) > patternMaxLen {
		key = string([]rune(key)[:patternMaxLen])
	}
	return key
}

// mergeTags appends new tags not already present, preserving order.
func mergeTags(existing []string, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, t := range extra {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		existing = append(existing, t)
	}
	return existing
}

// clipForSpan keeps span attributes short.
func clipForSpan(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}
