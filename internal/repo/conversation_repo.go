// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. State-machine rules (which transitions
// are legal) live in services.ConversationService.
//
// Error semantics:
//   - When a conversation is not found (or soft-deleted), functions return
//     ErrNotFound (= gorm.ErrRecordNotFound).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// VisitorInfo carries the optional, visitor-supplied identity captured when
// a widget session opens a conversation.
type VisitorInfo struct {
	VisitorID *string
	Email     *string
	Name      *string
	IP        *string
	Locale    *string
	UserAgent *string
	Referrer  *string
}

// CreateConversation inserts a new open Conversation for the given widget.
// The ID is a generated UUID and CreatedAt is set to UTC.
func CreateConversation(ctx context.Context, db *gorm.DB, widgetID string, v VisitorInfo) (*domain.Conversation, error) {
	c := &domain.Conversation{
		ID:           uuid.NewString(),
		WidgetID:     widgetID,
		Title:        "New conversation",
		Status:       domain.ConversationStatusOpen,
		VisitorID:    v.VisitorID,
		VisitorEmail: v.Email,
		VisitorName:  v.Name,
		VisitorIP:    v.IP,
		Locale:       v.Locale,
		UserAgent:    v.UserAgent,
		Referrer:     v.Referrer,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a single conversation by ID. Soft-deleted rows are
// invisible and surface as ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns a page of a widget's conversations, most recent
// activity first (last_message_at falls back to created_at for threads with
// no messages yet). status filters when non-empty.
func ListConversations(ctx context.Context, db *gorm.DB, widgetID, status string, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	q := db.WithContext(ctx).
		Where("widget_id = ?", widgetID).
		Order("COALESCE(last_message_at, created_at) DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountConversations returns the number of a widget's conversations,
// optionally filtered by status.
func CountConversations(ctx context.Context, db *gorm.DB, widgetID, status string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("widget_id = ?", widgetID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// UpdateConversation applies a column map to one conversation. Returns
// ErrNotFound when no row was touched (missing or soft-deleted).
func UpdateConversation(ctx context.Context, db *gorm.DB, id string, cols map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Conversation{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchConversationActivity records message activity on the parent thread:
// bumps last_message_at and, when markUnread is set, flips the unread flags
// regardless of their prior state.
func TouchConversationActivity(ctx context.Context, db *gorm.DB, id string, at time.Time, markUnread bool) error {
	cols := map[string]any{"last_message_at": at}
	if markUnread {
		cols["has_new_messages"] = true
		cols["is_read"] = false
	}
	return UpdateConversation(ctx, db, id, cols)
}

// SoftDeleteConversation performs a recoverable delete.
func SoftDeleteConversation(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Conversation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
