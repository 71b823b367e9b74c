// Package services – ConversationService
//
// This file implements ConversationService, which owns the conversation
// state machine (open → closed → open, any → archived) and the surrounding
// lifecycle operations: starting threads, inbox listing, read marking,
// post-close rating, and soft deletion.
//
// State transitions are serialized per conversation through the injected
// ConversationLocker so a reopen racing a close resolves to one final state
// rather than a torn write of the closing fields.
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
	"github.com/dkoutas/go-livechat-backend/internal/lock"
	"github.com/dkoutas/go-livechat-backend/internal/metrics"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

// positiveRatingFloor is the rating at which an exchange counts as a
// success for the response cache and learning store.
const positiveRatingFloor = 4

// ConversationService manages conversation lifecycle and the post-close
// rating feedback loop.
type ConversationService struct {
	DB       *gorm.DB
	Hub      *pubsub.Hub
	Locks    lock.ConversationLocker
	Notifier Notifier

	// Cache and Learning receive the success signal when a closed
	// conversation gets a positive rating.
	Cache    *ResponseCacheService
	Learning *LearningService
	// Escalation is reset when a conversation is reopened.
	Escalation *EscalationService

	// nowFn is injectable for tests; defaults to time.Now.
	nowFn func() time.Time
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, hub *pubsub.Hub, locks lock.ConversationLocker, notifier Notifier, cache *ResponseCacheService, learning *LearningService, escalation *EscalationService) *ConversationService {
	return &ConversationService{
		DB:         db,
		Hub:        hub,
		Locks:      locks,
		Notifier:   notifier,
		Cache:      cache,
		Learning:   learning,
		Escalation: escalation,
		nowFn:      time.Now,
	}
}

func (s *ConversationService) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn().UTC()
	}
	return time.Now().UTC()
}

// Start opens a new conversation for a widget session, announces it on the
// widget feed, and notifies agents.
func (s *ConversationService) Start(ctx context.Context, widgetID string, visitor repo.VisitorInfo) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(attribute.String("widget.id", widgetID)),
	)
	defer span.End()

	conv, err := repo.CreateConversation(ctx, s.DB, widgetID, visitor)
	if err != nil {
		return nil, err
	}
	metrics.ConversationsStarted.WithLabelValues(widgetID).Inc()

	if s.Hub != nil {
		s.Hub.Publish(pubsub.WidgetTopic(widgetID), pubsub.EventNewConversation, conv)
	}
	if s.Notifier != nil {
		if err := s.Notifier.NotifyNewConversation(ctx, conv); err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("new-conversation notifier failed")
		}
	}
	return conv, nil
}

// Get fetches one conversation.
func (s *ConversationService) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	conv, err := repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// ListPage returns one page of a widget's inbox, most recent activity first,
// optionally filtered by status, together with the total count.
func (s *ConversationService) ListPage(ctx context.Context, widgetID, status string, page, pageSize int) ([]domain.Conversation, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("widget.id", widgetID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if status != "" && !domain.ValidStatus(status) {
		return nil, 0, ErrInvalidTransition
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountConversations(ctx, s.DB, widgetID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}
	items, err := repo.ListConversations(ctx, s.DB, widgetID, status, offset, pageSize)
	return items, total, err
}

// Close transitions open → closed. closedBy stays nil when the visitor
// closes the thread themselves. Closing an already closed or archived
// conversation fails with ErrInvalidTransition.
func (s *ConversationService) Close(ctx context.Context, id string, closedBy *uint, reason string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Close",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	release, err := s.Locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.ConversationStatusOpen {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	cols := map[string]any{
		"status":    domain.ConversationStatusClosed,
		"closed_at": now,
		"closed_by": closedBy,
	}
	if reason != "" {
		cols["close_reason"] = reason
	}
	if err := repo.UpdateConversation(ctx, s.DB, id, cols); err != nil {
		return nil, err
	}

	conv, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Hub != nil {
		s.Hub.Publish(pubsub.ConversationTopic(id), pubsub.EventConversationClosed, conv)
		s.Hub.Publish(pubsub.WidgetTopic(conv.WidgetID), pubsub.EventConversationClosed, conv)
	}
	return conv, nil
}

// Reopen transitions closed → open, clearing the closing fields and the
// sticky escalation state. Archived conversations stay archived.
func (s *ConversationService) Reopen(ctx context.Context, id string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Reopen",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	release, err := s.Locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.ConversationStatusClosed {
		return nil, ErrInvalidTransition
	}

	if err := repo.UpdateConversation(ctx, s.DB, id, map[string]any{
		"status":       domain.ConversationStatusOpen,
		"closed_at":    nil,
		"closed_by":    nil,
		"close_reason": nil,
	}); err != nil {
		return nil, err
	}
	if s.Escalation != nil {
		if err := s.Escalation.Reset(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// Archive transitions any live state → archived. Archiving is one-way and
// terminal; re-archiving fails with ErrInvalidTransition.
func (s *ConversationService) Archive(ctx context.Context, id string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Archive",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	release, err := s.Locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.IsArchived() {
		return nil, ErrInvalidTransition
	}

	if err := repo.UpdateConversation(ctx, s.DB, id, map[string]any{
		"status": domain.ConversationStatusArchived,
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkRead flips the unread flags without touching status.
func (s *ConversationService) MarkRead(ctx context.Context, id string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	err := repo.UpdateConversation(ctx, s.DB, id, map[string]any{
		"is_read":          true,
		"has_new_messages": false,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// Rate records a post-close satisfaction rating (1..5) and, when positive,
// folds the success signal back into the response cache and learning store
// for every bot exchange in the conversation. Rating is only accepted on a
// closed conversation.
func (s *ConversationService) Rate(ctx context.Context, id string, rating int, comment *string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Rate",
		trace.WithAttributes(
			attribute.String("conversation.id", id),
			attribute.Int("rating", rating),
		),
	)
	defer span.End()

	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	release, err := s.Locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.IsClosed() {
		return nil, ErrInvalidRating
	}

	cols := map[string]any{"rating": rating}
	if comment != nil {
		cols["rating_comment"] = comment
	}
	if err := repo.UpdateConversation(ctx, s.DB, id, cols); err != nil {
		return nil, err
	}

	if rating >= positiveRatingFloor {
		s.recordPositiveOutcome(ctx, id, rating)
	}
	return s.Get(ctx, id)
}

// Delete soft-deletes a conversation. Messages stay in place for recovery.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	err := repo.SoftDeleteConversation(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// Stats returns the per-conversation message aggregates.
func (s *ConversationService) Stats(ctx context.Context, id string) (*repo.ConversationStats, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Stats",
		trace.WithAttributes(attribute.String("conversation.id", id)),
	)
	defer span.End()

	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return repo.GetConversationStats(ctx, s.DB, id)
}

// WidgetStats returns the inbox-level aggregates for a widget.
func (s *ConversationService) WidgetStats(ctx context.Context, widgetID string) (*repo.WidgetStats, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "WidgetStats",
		trace.WithAttributes(attribute.String("widget.id", widgetID)),
	)
	defer span.End()

	return repo.GetWidgetStats(ctx, s.DB, widgetID)
}

// recordPositiveOutcome feeds a positive rating into the cache and learning
// layers. Failures here are logged, never surfaced: the rating itself is
// already durable.
func (s *ConversationService) recordPositiveOutcome(ctx context.Context, id string, rating int) {
	exchanges, err := repo.ListBotExchanges(ctx, s.DB, id)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", id).Msg("rating feedback: exchange listing failed")
		return
	}
	for _, ex := range exchanges {
		if ex.Fingerprint != "" && s.Cache != nil {
			if err := s.Cache.RecordOutcome(ctx, ex.Fingerprint, true); err != nil {
				log.Warn().Err(err).Str("fingerprint", ex.Fingerprint).Msg("rating feedback: cache outcome failed")
			}
		}
		if s.Learning != nil {
			r := rating
			if _, err := s.Learning.RecordSuccess(ctx, ex.VisitorText, ex.BotText, nil, &r, nil); err != nil {
				log.Warn().Err(err).Str("conversation_id", id).Msg("rating feedback: learning update failed")
			}
		}
	}
}
