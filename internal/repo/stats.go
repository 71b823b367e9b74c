// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries consumed by the
// inbox surface and by the external billing/metering collaborator.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// WidgetStats summarizes a widget's conversation activity.
type WidgetStats struct {
	Conversations int64 `json:"conversations"`
	Open          int64 `json:"open"`
	Unread        int64 `json:"unread"`
	AIResponses   int64 `json:"ai_responses"`
}

// ConversationStats breaks one conversation's messages down by author.
type ConversationStats struct {
	Messages        int64 `json:"messages"`
	VisitorMessages int64 `json:"visitor_messages"`
	AgentMessages   int64 `json:"agent_messages"`
	BotMessages     int64 `json:"bot_messages"`
}

// GetWidgetStats returns aggregate counters for a widget: total and open
// conversations, threads with unread visitor messages, and the number of bot
// replies generated across the widget's conversations.
func GetWidgetStats(ctx context.Context, db *gorm.DB, widgetID string) (*WidgetStats, error) {
	var s WidgetStats
	base := db.WithContext(ctx).Model(&domain.Conversation{}).Where("widget_id = ?", widgetID)

	if err := base.Session(&gorm.Session{}).Count(&s.Conversations).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("status = ?", domain.ConversationStatusOpen).
		Count(&s.Open).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("has_new_messages = ?", true).
		Count(&s.Unread).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Where("conversations.widget_id = ? AND messages.sender_type = ?", widgetID, domain.SenderBot).
		Count(&s.AIResponses).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetConversationStats returns the per-author message counts for one
// conversation.
func GetConversationStats(ctx context.Context, db *gorm.DB, conversationID string) (*ConversationStats, error) {
	var s ConversationStats
	base := db.WithContext(ctx).Model(&domain.Message{}).Where("conversation_id = ?", conversationID)

	if err := base.Session(&gorm.Session{}).Count(&s.Messages).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("sender_type = ?", domain.SenderVisitor).
		Count(&s.VisitorMessages).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("sender_type = ?", domain.SenderAgent).
		Count(&s.AgentMessages).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("sender_type = ?", domain.SenderBot).
		Count(&s.BotMessages).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestActivity returns the greatest last_message_at among a widget's
// conversations, or nil when there has been no message activity yet.
func LatestActivity(ctx context.Context, db *gorm.DB, widgetID string) (*time.Time, error) {
	var row struct {
		LastMessageAt *time.Time
	}
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("widget_id = ? AND last_message_at IS NOT NULL", widgetID).
		Select("last_message_at").
		Order("last_message_at DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return row.LastMessageAt, nil
}
