// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// AIConversationContext model (one row per conversation, created lazily).
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// GetOrCreateContext returns the AI context row for a conversation, creating
// an empty one on first use. Creation is an ON CONFLICT DO NOTHING upsert so
// concurrent first messages cannot produce two rows.
func GetOrCreateContext(ctx context.Context, db *gorm.DB, conversationID string) (*domain.AIConversationContext, error) {
	row := &domain.AIConversationContext{
		ConversationID: conversationID,
		Sentiment:      domain.SentimentNeutral,
		SentimentScore: 0.5,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "conversation_id"}},
			DoNothing: true,
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return GetContext(ctx, db, conversationID)
}

// GetContext fetches the AI context row for a conversation.
func GetContext(ctx context.Context, db *gorm.DB, conversationID string) (*domain.AIConversationContext, error) {
	var row domain.AIConversationContext
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateContext applies a column map to a conversation's context row.
func UpdateContext(ctx context.Context, db *gorm.DB, conversationID string, cols map[string]any) error {
	res := db.WithContext(ctx).
		Model(&domain.AIConversationContext{}).
		Where("conversation_id = ?", conversationID).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpVisitorMessages atomically increments the visitor message counter.
func BumpVisitorMessages(ctx context.Context, db *gorm.DB, conversationID string) error {
	return UpdateContext(ctx, db, conversationID, map[string]any{
		"visitor_messages_count": gorm.Expr("visitor_messages_count + 1"),
	})
}

// BumpAIResponses atomically increments the bot response counter and stamps
// the last response time.
func BumpAIResponses(ctx context.Context, db *gorm.DB, conversationID string, at time.Time) error {
	return UpdateContext(ctx, db, conversationID, map[string]any{
		"ai_responses_count":  gorm.Expr("ai_responses_count + 1"),
		"last_ai_response_at": at,
	})
}

// ClaimEscalationNotice flips escalation_message_sent false→true and reports
// whether this caller won the claim. The single conditional UPDATE is the
// transactional gate that makes the escalation notice exactly-once under
// concurrent retries.
func ClaimEscalationNotice(ctx context.Context, db *gorm.DB, conversationID string, at time.Time) (claimed bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.AIConversationContext{}).
		Where("conversation_id = ? AND escalation_message_sent = ?", conversationID, false).
		Updates(map[string]any{
			"escalation_message_sent": true,
			"last_escalation_at":      at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ResetEscalation clears the sticky escalation state. Only explicit actions
// (reopen, operator reset) call this; the engine itself never does.
func ResetEscalation(ctx context.Context, db *gorm.DB, conversationID string) error {
	err := UpdateContext(ctx, db, conversationID, map[string]any{
		"escalation_needed":       false,
		"escalation_reason":       nil,
		"escalation_message_sent": false,
	})
	if errors.Is(err, ErrNotFound) {
		// No context row yet means nothing to reset.
		return nil
	}
	return err
}
