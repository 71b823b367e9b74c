// Package services – MessageService
//
// This file implements MessageService, the application-level component that
// owns the message pipeline: validating and persisting visitor, agent,
// system, and bot messages, absorbing duplicate submissions by nonce,
// updating the parent conversation's activity flags, fanning events out, and
// orchestrating the AI responder.
//
// The responder path runs under the per-conversation lock so duplicate
// webhook delivery or client retries can never produce two bot replies to
// one visitor message: evaluate cache → call provider on miss → persist bot
// message → bump counters is a single critical section per conversation.
//
// Optional enhancement: the conversation title is auto-generated from the
// first visitor message while it still carries the default placeholder.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation identifiers and pagination parameters where
// applicable.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dkoutas/go-livechat-backend/internal/ai"
	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/lock"
	"github.com/dkoutas/go-livechat-backend/internal/metrics"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

// defaultConversationTitle is the placeholder eligible for auto-generation.
const defaultConversationTitle = "New conversation"

// Attachment is the descriptor the pipeline stores verbatim; size/type
// validation is a collaborator concern.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// MessageService coordinates message persistence, fan-out, and the AI
// responder.
type MessageService struct {
	DB    *gorm.DB
	Hub   *pubsub.Hub
	Locks lock.ConversationLocker

	// Escalation runs after every persisted visitor message.
	Escalation *EscalationService
	// Cache backs the fingerprint lookup in the responder.
	Cache *ResponseCacheService

	// Provider and Facts are the AI collaborators. A nil Provider disables
	// automatic replies entirely; the human pipeline is unaffected.
	Provider ai.Provider
	Facts    ai.ContextProvider

	// Push delivers a stored message to the recipient's out-of-band channel
	// (mobile push, email). A failure flags the message is_error but never
	// rolls persistence back. Optional.
	Push func(ctx context.Context, conv *domain.Conversation, msg *domain.Message) error

	// ProviderTimeout bounds one provider call; the responder retries once.
	ProviderTimeout time.Duration
	// IdempotencyTTL bounds how long a submission nonce absorbs duplicates.
	IdempotencyTTL time.Duration
	// MaxContentRunes caps message content length; 0 disables the cap.
	MaxContentRunes int

	// Title generation config.
	TitleLocale language.Tag
	TitleMaxLen int

	// nowFn is injectable for tests; defaults to time.Now.
	nowFn func() time.Time
}

// NewMessageService constructs a MessageService with production defaults.
func NewMessageService(db *gorm.DB, hub *pubsub.Hub, locks lock.ConversationLocker, escalation *EscalationService, cache *ResponseCacheService, provider ai.Provider, facts ai.ContextProvider) *MessageService {
	return &MessageService{
		DB:              db,
		Hub:             hub,
		Locks:           locks,
		Escalation:      escalation,
		Cache:           cache,
		Provider:        provider,
		Facts:           facts,
		ProviderTimeout: 20 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		MaxContentRunes: 8000,
		TitleLocale:     language.English,
		TitleMaxLen:     60,
		nowFn:           time.Now,
	}
}

func (s *MessageService) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn().UTC()
	}
	return time.Now().UTC()
}

// SubmitVisitorMessage persists an inbound visitor message, updates the
// parent conversation, runs the escalation engine, and, when the
// conversation is still bot-eligible, generates the automatic reply.
//
// nonce, when non-empty, deduplicates webhook-style redelivery: a repeated
// (conversation, nonce) pair returns the originally stored message without
// side effects. The returned bot reply, if any, travels over fan-out, not
// the return value.
func (s *MessageService) SubmitVisitorMessage(ctx context.Context, conversationID, content string, att *Attachment, nonce string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SubmitVisitorMessage",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	content, err := s.validateContent(content, att)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if nonce != "" {
		if prev, err := repo.GetIdempotency(ctx, s.DB, conversationID, nonce, s.now()); err == nil {
			span.SetAttributes(attribute.Bool("idempotency.duplicate", true))
			return repo.GetMessage(ctx, s.DB, prev.MessageID)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		Type:           messageType(att),
		SenderType:     domain.SenderVisitor,
		Content:        content,
		CreatedAt:      s.now(),
	}
	applyAttachment(msg, att)

	var duplicate *domain.Message
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateMessage(tx, msg); err != nil {
			return err
		}
		if nonce == "" {
			return nil
		}
		_, err := repo.CreateIdempotency(ctx, tx, conversationID, nonce, msg.ID, s.IdempotencyTTL)
		if errors.Is(err, repo.ErrDuplicate) {
			// A concurrent submission with the same nonce won; roll this
			// write back and serve the original message.
			prev, gerr := repo.GetIdempotency(ctx, s.DB, conversationID, nonce, s.now())
			if gerr != nil {
				return gerr
			}
			dup, gerr := repo.GetMessage(ctx, s.DB, prev.MessageID)
			if gerr != nil {
				return gerr
			}
			duplicate = dup
			return err
		}
		return err
	})
	if duplicate != nil {
		return duplicate, nil
	}
	if err != nil {
		return nil, err
	}

	markUnread := conv.Status == domain.ConversationStatusOpen
	if err := repo.TouchConversationActivity(ctx, s.DB, conversationID, msg.CreatedAt, markUnread); err != nil {
		return nil, err
	}
	s.maybeAutoTitle(ctx, conv, content)
	metrics.Messages.WithLabelValues(domain.SenderVisitor).Inc()

	s.fanOut(ctx, conv, msg)

	aiCtx, err := s.Escalation.AfterVisitorMessage(ctx, conv, msg)
	if err != nil {
		// The visitor's message is durable; escalation bookkeeping must not
		// reject it.
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("escalation evaluation failed")
		return msg, nil
	}

	if conv.Status == domain.ConversationStatusOpen && !aiCtx.EscalationNeeded && s.Provider != nil && content != "" {
		s.respondWithAI(ctx, conv, msg)
	}
	return msg, nil
}

// SubmitAgentMessage persists an agent reply and fans it out. Replying marks
// the conversation read: the agent has evidently seen it.
func (s *MessageService) SubmitAgentMessage(ctx context.Context, conversationID string, agentID uint, content string, att *Attachment) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SubmitAgentMessage",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("agent.id", int(agentID)),
		),
	)
	defer span.End()

	content, err := s.validateContent(content, att)
	if err != nil {
		return nil, err
	}
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		Type:           messageType(att),
		SenderType:     domain.SenderAgent,
		UserID:         &agentID,
		Content:        content,
		CreatedAt:      s.now(),
	}
	applyAttachment(msg, att)
	if err := repo.CreateMessage(s.DB.WithContext(ctx), msg); err != nil {
		return nil, err
	}

	if err := repo.TouchConversationActivity(ctx, s.DB, conversationID, msg.CreatedAt, false); err != nil {
		return nil, err
	}
	if err := repo.UpdateConversation(ctx, s.DB, conversationID, map[string]any{
		"is_read":          true,
		"has_new_messages": false,
	}); err != nil {
		return nil, err
	}
	metrics.Messages.WithLabelValues(domain.SenderAgent).Inc()

	s.fanOut(ctx, conv, msg)
	return msg, nil
}

// SubmitSystemMessage persists an engine-authored informational line.
func (s *MessageService) SubmitSystemMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "SubmitSystemMessage",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		Type:           domain.MessageTypeSystem,
		SenderType:     domain.SenderSystem,
		Content:        content,
		CreatedAt:      s.now(),
	}
	if err := repo.CreateMessage(s.DB.WithContext(ctx), msg); err != nil {
		return nil, err
	}
	if err := repo.TouchConversationActivity(ctx, s.DB, conversationID, msg.CreatedAt, false); err != nil {
		return nil, err
	}
	metrics.Messages.WithLabelValues(domain.SenderSystem).Inc()

	s.fanOut(ctx, conv, msg)
	return msg, nil
}

// MarkDelivered stamps a message as delivered to its recipient.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID uint) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkDelivered",
		trace.WithAttributes(attribute.Int("message.id", int(messageID))),
	)
	defer span.End()

	err := repo.MarkMessageDelivered(ctx, s.DB, messageID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

// MarkRead stamps a message as read by its recipient.
func (s *MessageService) MarkRead(ctx context.Context, messageID uint) error {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.Int("message.id", int(messageID))),
	)
	defer span.End()

	err := repo.MarkMessageRead(ctx, s.DB, messageID, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

// History returns up to limit messages strictly before the beforeID cursor
// in chronological order; beforeID == 0 returns the newest page. Subscribers
// reconnecting after a fan-out gap resynchronize through this query.
func (s *MessageService) History(ctx context.Context, conversationID string, beforeID uint, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("before_id", int(beforeID)),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if _, err := s.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := repo.ListMessagesBefore(ctx, s.DB, conversationID, beforeID, limit)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	return msgs, err
}

// Typing broadcasts a transient typing indicator. Nothing is persisted.
func (s *MessageService) Typing(ctx context.Context, conversationID, senderType string) error {
	tr := otel.Tracer("services/MessageService")
	_, span := tr.Start(ctx, "Typing",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	if !domain.ValidSender(senderType) {
		return ErrEmptyMessage
	}
	if s.Hub != nil {
		s.Hub.Publish(pubsub.ConversationTopic(conversationID), pubsub.EventTyping, map[string]any{
			"conversation_id": conversationID,
			"sender_type":     senderType,
		})
	}
	return nil
}

// respondWithAI runs the responder critical section: under the conversation
// lock, consult the cache, fall back to the provider, store the reply, and
// persist the bot message with the fingerprint recorded in its metadata.
// Every failure here degrades to "no automatic reply, await agent".
func (s *MessageService) respondWithAI(ctx context.Context, conv *domain.Conversation, visitorMsg *domain.Message) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "respondWithAI",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)),
	)
	defer span.End()

	release, err := s.Locks.Lock(ctx, conv.ID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("responder lock not acquired")
		return
	}
	defer release()

	entry, fp, err := s.Cache.Lookup(ctx, visitorMsg.Content)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("response cache lookup failed")
		return
	}

	var text string
	var intent *string
	source := "cache"
	if entry != nil {
		text = entry.CachedResponse
		intent = entry.Intent
	} else {
		source = "provider"
		reply, err := s.generate(ctx, conv.WidgetID, visitorMsg.Content)
		if err != nil {
			metrics.ProviderErrors.Inc()
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("ai provider unavailable, awaiting agent")
			return
		}
		text = reply.Text
		if reply.Intent != "" {
			intent = &reply.Intent
		}
		if err := s.Cache.Store(ctx, fp, visitorMsg.Content, text, intent); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("response cache store failed")
		}
	}

	botMsg := &domain.Message{
		ConversationID: conv.ID,
		Type:           domain.MessageTypeBot,
		SenderType:     domain.SenderBot,
		Content:        text,
		CreatedAt:      s.now(),
		MetaData: datatypes.JSONMap{
			"fingerprint": fp,
			"source":      source,
		},
	}
	if err := repo.CreateMessage(s.DB.WithContext(ctx), botMsg); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("bot message persist failed")
		return
	}
	if err := repo.TouchConversationActivity(ctx, s.DB, conv.ID, botMsg.CreatedAt, false); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("conversation activity update failed")
	}
	if err := repo.BumpAIResponses(ctx, s.DB, conv.ID, botMsg.CreatedAt); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("ai response counter update failed")
	}

	metrics.Messages.WithLabelValues(domain.SenderBot).Inc()
	metrics.AIResponses.WithLabelValues(source).Inc()
	s.fanOut(ctx, conv, botMsg)
}

// generate calls the provider with a bounded timeout and one retry.
func (s *MessageService) generate(ctx context.Context, widgetID, question string) (*ai.Reply, error) {
	var facts []string
	if s.Facts != nil {
		var err error
		facts, err = s.Facts.Facts(ctx, widgetID)
		if err != nil {
			log.Warn().Err(err).Str("widget_id", widgetID).Msg("context facts unavailable, prompting without them")
			facts = nil
		}
	}
	prompt := ai.BuildPrompt(question, facts)

	timeout := s.ProviderTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := s.Provider.Generate(callCtx, prompt, facts)
		cancel()
		if err == nil {
			if strings.TrimSpace(reply.Text) == "" {
				return nil, ai.ErrEmptyReply
			}
			return reply, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(ErrProviderUnavailable, lastErr)
}

// fanOut publishes the stored message and runs the optional push delivery.
// A push failure flags the message, it never unwinds persistence.
func (s *MessageService) fanOut(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	if s.Hub != nil {
		s.Hub.Publish(pubsub.ConversationTopic(conv.ID), pubsub.EventNewMessage, msg)
		s.Hub.Publish(pubsub.WidgetTopic(conv.WidgetID), pubsub.EventNewMessage, msg)
	}
	if s.Push == nil {
		return
	}
	if err := s.Push(ctx, conv, msg); err != nil {
		log.Warn().Err(err).Uint("message_id", msg.ID).Msg("push delivery failed, flagging message")
		if ferr := repo.FlagMessageError(ctx, s.DB, msg.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Uint("message_id", msg.ID).Msg("delivery error flag failed")
		}
		msg.IsError = true
		em := err.Error()
		if len(em) > 512 {
			em = em[:512]
		}
		msg.ErrorMessage = &em
	}
}

// getConversation translates repo not-found into the service sentinel.
func (s *MessageService) getConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// validateContent trims and bounds message content; content and attachment
// cannot both be absent.
func (s *MessageService) validateContent(content string, att *Attachment) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && (att == nil || att.URL == "") {
		return "", ErrEmptyMessage
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		content = string([]rune(content)[:s.MaxContentRunes])
	}
	return content, nil
}

// maybeAutoTitle derives a conversation title from the first visitor message
// while the title is still the placeholder. Failures are ignored; the
// placeholder is acceptable.
func (s *MessageService) maybeAutoTitle(ctx context.Context, conv *domain.Conversation, content string) {
	if conv.Title != "" && conv.Title != defaultConversationTitle {
		return
	}
	title := s.generateTitle(content)
	if title == "" {
		return
	}
	if err := repo.UpdateConversation(ctx, s.DB, conv.ID, map[string]any{"title": title}); err != nil {
		log.Debug().Err(err).Str("conversation_id", conv.ID).Msg("auto-title skipped")
		return
	}
	conv.Title = title
}

// titleStopWords are dropped from generated titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
	"i": {}, "my": {}, "me": {}, "you": {}, "your": {}, "hi": {}, "hello": {}, "please": {},
}

// generateTitle builds a compact title-cased phrase from the message.
func (s *MessageService) generateTitle(content string) string {
	toks := strings.Fields(strings.ToLower(strings.TrimSpace(content)))
	if len(toks) == 0 {
		return ""
	}

	locale := s.TitleLocale
	if locale == language.Und {
		locale = language.English
	}
	caser := cases.Title(locale)

	out := make([]string, 0, 8)
	for _, w := range toks {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if w == "" {
			continue
		}
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, caser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	title := strings.Join(out, " ")

	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		title = string([]rune(title)[:max])
	}
	return title
}

// messageType maps the presence of an attachment to the stored type tag.
func messageType(att *Attachment) string {
	if att == nil || att.URL == "" {
		return domain.MessageTypeText
	}
	if strings.HasPrefix(att.Mime, "image/") {
		return domain.MessageTypeImage
	}
	return domain.MessageTypeFile
}

// applyAttachment copies the descriptor fields onto the message.
func applyAttachment(m *domain.Message, att *Attachment) {
	if att == nil || att.URL == "" {
		return
	}
	m.AttachmentURL = &att.URL
	if att.Name != "" {
		m.AttachmentName = &att.Name
	}
	if att.Mime != "" {
		m.AttachmentMime = &att.Mime
	}
	if att.Size > 0 {
		m.AttachmentSize = &att.Size
	}
}
