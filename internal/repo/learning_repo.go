// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AILearningPattern model.
package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// FindPattern looks a pattern up by its message pattern text.
func FindPattern(ctx context.Context, db *gorm.DB, messagePattern string) (*domain.AILearningPattern, error) {
	var p domain.AILearningPattern
	if err := db.WithContext(ctx).Where("message_pattern = ?", messagePattern).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPattern fetches a pattern by primary key.
func GetPattern(ctx context.Context, db *gorm.DB, id uint) (*domain.AILearningPattern, error) {
	var p domain.AILearningPattern
	if err := db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPattern atomically inserts a new learned pattern, doing nothing when
// a concurrent writer already recorded the same message pattern. A fresh
// pattern starts at one success, so its confidence is Confidence(1).
func InsertPattern(ctx context.Context, db *gorm.DB, patternType, messagePattern, response string, intent *string, tags []string) (created bool, err error) {
	p := &domain.AILearningPattern{
		PatternType:        patternType,
		Intent:             intent,
		MessagePattern:     messagePattern,
		SuccessfulResponse: response,
		SuccessCount:       1,
		ConfidenceScore:    domain.Confidence(1),
		ContextTags:        datatypes.NewJSONSlice(tags),
		CreatedAt:          time.Now().UTC(),
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_pattern"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SavePattern persists recomputed counters on an existing pattern row.
func SavePattern(ctx context.Context, db *gorm.DB, p *domain.AILearningPattern) error {
	return db.WithContext(ctx).
		Model(&domain.AILearningPattern{}).
		Where("id = ?", p.ID).
		Updates(map[string]any{
			"success_count":       p.SuccessCount,
			"confidence_score":    p.ConfidenceScore,
			"avg_rating":          p.AvgRating,
			"successful_response": p.SuccessfulResponse,
			"context_tags":        p.ContextTags,
		}).Error
}

// ListPatterns returns learned patterns ordered by confidence, strongest
// first, for inspection and export.
func ListPatterns(ctx context.Context, db *gorm.DB, limit int) ([]domain.AILearningPattern, error) {
	var out []domain.AILearningPattern
	q := db.WithContext(ctx).Order("confidence_score DESC, success_count DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
