// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the ordered-history and cursor-pagination queries that
// back conversation resynchronization.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// CreateMessage inserts a new message row. The caller fills Type, SenderType,
// Content, and any attachment fields; CreatedAt defaults to UTC now.
func CreateMessage(db *gorm.DB, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return db.Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id uint) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the full ordered history of a conversation:
// (created_at ASC, id ASC), the canonical ordering key.
func ListMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListMessagesBefore returns up to limit messages strictly before the cursor
// message, ordered (created_at ASC, id ASC). The cursor comparison is on the
// composite ordering key, not on time alone, so pages stay gapless even when
// several messages share a timestamp.
//
// beforeID == 0 means "from the end": the newest limit messages. A cursor
// that does not belong to the conversation is reported as not found rather
// than silently positioning the page by a foreign message's timestamp.
func ListMessagesBefore(ctx context.Context, db *gorm.DB, conversationID string, beforeID uint, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := db.WithContext(ctx).Where("conversation_id = ?", conversationID)

	if beforeID > 0 {
		var cursor domain.Message
		if err := db.WithContext(ctx).
			Where("id = ? AND conversation_id = ?", beforeID, conversationID).
			First(&cursor).Error; err != nil {
			return nil, err
		}
		q = q.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	// Take the window closest to the cursor, then flip to chronological.
	var page []domain.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&page).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).
		Scan(&total).Error
	return total, err
}

// CountAgentMessages returns how many agent-authored messages exist in a
// conversation. The escalation engine uses this for the agent-unresponsive
// rule.
func CountAgentMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_type = ?", conversationID, domain.SenderAgent).
		Count(&total).Error
	return total, err
}

// FirstVisitorMessageAt returns the timestamp of the earliest visitor message
// in a conversation, or ErrNotFound when the visitor has not written yet. The
// escalation engine anchors the agent-unresponsive window on it.
func FirstVisitorMessageAt(ctx context.Context, db *gorm.DB, conversationID string) (time.Time, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND sender_type = ?", conversationID, domain.SenderVisitor).
		Order("created_at ASC, id ASC").
		First(&m).Error
	if err != nil {
		return time.Time{}, err
	}
	return m.CreatedAt, nil
}

// MarkMessageDelivered stamps the delivery flag. Returns ErrNotFound for an
// unknown message.
func MarkMessageDelivered(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	return updateMessageFlags(ctx, db, id, map[string]any{"is_delivered": true, "delivered_at": at})
}

// MarkMessageRead stamps the read flag. Returns ErrNotFound for an unknown
// message.
func MarkMessageRead(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	return updateMessageFlags(ctx, db, id, map[string]any{"is_read": true, "read_at": at})
}

// FlagMessageError records a downstream delivery failure on an already
// persisted message. It never reverses the original write.
func FlagMessageError(ctx context.Context, db *gorm.DB, id uint, errMsg string) error {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	return updateMessageFlags(ctx, db, id, map[string]any{"is_error": true, "error_message": errMsg})
}

func updateMessageFlags(ctx context.Context, db *gorm.DB, id uint, cols map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// BotExchange pairs a bot reply with the visitor message that prompted it,
// plus the cache fingerprint recorded when the reply was generated.
type BotExchange struct {
	VisitorText string
	BotText     string
	Fingerprint string
}

// ListBotExchanges walks a conversation's ordered history and returns each
// bot reply paired with the most recent preceding visitor message. Used when
// a post-close rating is folded back into the response cache and learning
// store.
func ListBotExchanges(ctx context.Context, db *gorm.DB, conversationID string) ([]BotExchange, error) {
	msgs, err := ListMessages(ctx, db, conversationID, 0)
	if err != nil {
		return nil, err
	}
	var out []BotExchange
	var lastVisitor string
	for i := range msgs {
		switch msgs[i].SenderType {
		case domain.SenderVisitor:
			lastVisitor = msgs[i].Content
		case domain.SenderBot:
			if lastVisitor == "" {
				continue
			}
			ex := BotExchange{VisitorText: lastVisitor, BotText: msgs[i].Content}
			if msgs[i].MetaData != nil {
				if fp, ok := msgs[i].MetaData["fingerprint"].(string); ok {
					ex.Fingerprint = fp
				}
			}
			out = append(out, ex)
		}
	}
	return out, nil
}
