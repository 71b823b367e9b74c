// Package services – EscalationService
//
// This file implements the escalation engine. After every persisted visitor
// message it refreshes the conversation's AI context (sentiment, topics,
// counters) and evaluates the hand-off rules in a fixed order, first match
// wins:
//
//  1. the bot has replied max_responses_per_conversation times
//  2. sentiment has dropped below the configured negative threshold
//  3. no agent replied within agent_wait_minutes of the first visitor message
//
// escalation_needed is sticky once set; the engine never clears it. The
// notice to agents fires exactly once per episode: the conditional UPDATE in
// repo.ClaimEscalationNotice is the gate, and the system message plus the
// Notifier call run only for the caller that won the claim.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/fingerprint"
	"github.com/dkoutas/go-livechat-backend/internal/metrics"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

// maxTrackedTopics caps the per-conversation topic list.
const maxTrackedTopics = 10

// EscalationPolicy carries the tenant-wide limits. It is injected at
// construction so tests can vary thresholds per case; the engine never reads
// ambient global settings.
type EscalationPolicy struct {
	// MaxResponsesPerConversation is the bot reply budget before hand-off.
	MaxResponsesPerConversation int
	// AgentWait is how long a visitor may wait for any agent reply.
	AgentWait time.Duration
	// NegativeSentimentThreshold is the score at or below which sentiment
	// is considered escalation-worthy (0..1 scale, 0 = angriest).
	NegativeSentimentThreshold float64
}

// DefaultEscalationPolicy mirrors the usual production limits.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		MaxResponsesPerConversation: 3,
		AgentWait:                   10 * time.Minute,
		NegativeSentimentThreshold:  0.3,
	}
}

// EscalationService evaluates hand-off rules and owns the one-shot notice.
type EscalationService struct {
	DB       *gorm.DB
	Hub      *pubsub.Hub
	Notifier Notifier
	Policy   EscalationPolicy

	// nowFn is injectable for tests; defaults to time.Now.
	nowFn func() time.Time
}

// NewEscalationService constructs an EscalationService.
func NewEscalationService(db *gorm.DB, hub *pubsub.Hub, notifier Notifier, policy EscalationPolicy) *EscalationService {
	if policy.MaxResponsesPerConversation <= 0 {
		policy.MaxResponsesPerConversation = 3
	}
	if policy.AgentWait <= 0 {
		policy.AgentWait = 10 * time.Minute
	}
	if policy.NegativeSentimentThreshold <= 0 {
		policy.NegativeSentimentThreshold = 0.3
	}
	return &EscalationService{DB: db, Hub: hub, Notifier: notifier, Policy: policy, nowFn: time.Now}
}

func (s *EscalationService) now() time.Time {
	if s.nowFn != nil {
		return s.nowFn().UTC()
	}
	return time.Now().UTC()
}

// AfterVisitorMessage refreshes the AI context for a just-persisted visitor
// message and runs the escalation rules. It returns the updated context so
// the message pipeline can decide whether an automatic reply is still
// allowed.
func (s *EscalationService) AfterVisitorMessage(ctx context.Context, conv *domain.Conversation, msg *domain.Message) (*domain.AIConversationContext, error) {
	tr := otel.Tracer("services/EscalationService")
	ctx, span := tr.Start(ctx, "AfterVisitorMessage",
		trace.WithAttributes(attribute.String("conversation.id", conv.ID)),
	)
	defer span.End()

	aiCtx, err := repo.GetOrCreateContext(ctx, s.DB, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := repo.BumpVisitorMessages(ctx, s.DB, conv.ID); err != nil {
		return nil, err
	}

	cols := map[string]any{}
	sentiment, score := blendSentiment(aiCtx.SentimentScore, msg.Content)
	if sentiment != aiCtx.Sentiment || score != aiCtx.SentimentScore {
		cols["sentiment"] = sentiment
		cols["sentiment_score"] = score
	}
	if topics := accumulateTopics(aiCtx.Topics, msg.Content); len(topics) != len(aiCtx.Topics) {
		cols["topics"] = datatypes.NewJSONSlice(topics)
	}
	if len(cols) > 0 {
		if err := repo.UpdateContext(ctx, s.DB, conv.ID, cols); err != nil {
			return nil, err
		}
	}

	aiCtx, err = repo.GetContext(ctx, s.DB, conv.ID)
	if err != nil {
		return nil, err
	}

	if aiCtx.EscalationNeeded {
		// Sticky: the flag stays set until an explicit reopen/reset. The
		// claim still gates the notice, so re-attempt it here in case an
		// earlier attempt rolled back.
		reason := ""
		if aiCtx.EscalationReason != nil {
			reason = *aiCtx.EscalationReason
		}
		if err := s.sendNotice(ctx, conv, reason); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("escalation notice failed")
		}
		return repo.GetContext(ctx, s.DB, conv.ID)
	}

	reason, err := s.evaluate(ctx, conv, aiCtx)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		return aiCtx, nil
	}
	span.SetAttributes(attribute.String("escalation.reason", reason))

	if err := repo.UpdateContext(ctx, s.DB, conv.ID, map[string]any{
		"escalation_needed": true,
		"escalation_reason": reason,
	}); err != nil {
		return nil, err
	}
	if err := s.sendNotice(ctx, conv, reason); err != nil {
		// The flag is set and durable; the notice can be retried by the
		// next visitor message because the claim was not consumed.
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("escalation notice failed")
	}

	return repo.GetContext(ctx, s.DB, conv.ID)
}

// Reset clears the sticky escalation state. Reopening a conversation and an
// explicit operator reset are the only callers.
func (s *EscalationService) Reset(ctx context.Context, conversationID string) error {
	tr := otel.Tracer("services/EscalationService")
	ctx, span := tr.Start(ctx, "Reset",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	return repo.ResetEscalation(ctx, s.DB, conversationID)
}

// evaluate applies the ordered rules and returns the winning reason, or ""
// when the conversation does not need a human yet.
func (s *EscalationService) evaluate(ctx context.Context, conv *domain.Conversation, aiCtx *domain.AIConversationContext) (string, error) {
	if aiCtx.AIResponsesCount >= s.Policy.MaxResponsesPerConversation {
		return domain.EscalationResponseLimit, nil
	}

	if aiCtx.Sentiment == domain.SentimentNegative && aiCtx.SentimentScore <= s.Policy.NegativeSentimentThreshold {
		return domain.EscalationNegativeSentiment, nil
	}

	if conv.Status == domain.ConversationStatusOpen {
		agentMsgs, err := repo.CountAgentMessages(ctx, s.DB, conv.ID)
		if err != nil {
			return "", err
		}
		if agentMsgs == 0 {
			first, err := repo.FirstVisitorMessageAt(ctx, s.DB, conv.ID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return "", nil
				}
				return "", err
			}
			if s.now().Sub(first) >= s.Policy.AgentWait {
				return domain.EscalationAgentUnresponsive, nil
			}
		}
	}

	return "", nil
}

// sendNotice performs the exactly-once escalation announcement: win the
// claim, persist the system message, fan out, and notify agents. The claim
// and the message commit together so a failed insert releases the gate for
// a later retry.
func (s *EscalationService) sendNotice(ctx context.Context, conv *domain.Conversation, reason string) error {
	notice := &domain.Message{
		ConversationID: conv.ID,
		Type:           domain.MessageTypeSystem,
		SenderType:     domain.SenderSystem,
		Content:        escalationNoticeText(reason),
	}

	var claimed bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimed, err = repo.ClaimEscalationNotice(ctx, tx, conv.ID, s.now())
		if err != nil || !claimed {
			return err
		}
		return repo.CreateMessage(tx, notice)
	})
	if err != nil || !claimed {
		return err
	}

	metrics.Escalations.WithLabelValues(reason).Inc()
	if s.Hub != nil {
		s.Hub.Publish(pubsub.ConversationTopic(conv.ID), pubsub.EventNewMessage, notice)
		s.Hub.Publish(pubsub.WidgetTopic(conv.WidgetID), pubsub.EventNewMessage, notice)
	}
	if s.Notifier != nil {
		if err := s.Notifier.NotifyEscalation(ctx, conv, reason); err != nil {
			// Already claimed and recorded; the notice message is durable.
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("escalation notifier failed")
		}
	}
	return nil
}

// escalationNoticeText maps a reason to the visitor-visible system line.
func escalationNoticeText(reason string) string {
	switch reason {
	case domain.EscalationNegativeSentiment:
		return "We are connecting you with a member of our team."
	case domain.EscalationAgentUnresponsive:
		return "Sorry for the wait. A member of our team will be with you shortly."
	default:
		return "A member of our team will take it from here."
	}
}

// negativeMarkers and positiveMarkers drive the keyword sentiment heuristic.
// It is intentionally small: real deployments feed sentiment from the AI
// provider; this heuristic keeps the engine self-contained.
var negativeMarkers = []string{
	"angry", "annoyed", "awful", "bad", "broken", "cancel", "complaint",
	"disappointed", "frustrated", "horrible", "refund", "ridiculous",
	"terrible", "unacceptable", "upset", "useless", "waste", "worst", "wrong",
}

var positiveMarkers = []string{
	"amazing", "appreciate", "awesome", "excellent", "fantastic", "good",
	"great", "happy", "helpful", "love", "perfect", "thank", "thanks",
	"wonderful",
}

// blendSentiment scores one message with the keyword heuristic and blends it
// into the running score (70% history, 30% new signal) so a single outlier
// does not flip the conversation.
func blendSentiment(currentScore float64, content string) (string, float64) {
	msg := messageSentimentScore(content)
	score := currentScore*0.7 + msg*0.3
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	sentiment := domain.SentimentNeutral
	switch {
	case score < 0.4:
		sentiment = domain.SentimentNegative
	case score > 0.6:
		sentiment = domain.SentimentPositive
	}
	return sentiment, score
}

// messageSentimentScore rates a single message on the 0..1 scale, 0.5 when
// no markers appear.
func messageSentimentScore(content string) float64 {
	score := 0.5
	for _, tok := range fingerprint.Tokens(fingerprint.Normalize(content)) {
		for _, m := range negativeMarkers {
			if tok == m {
				score -= 0.25
			}
		}
		for _, m := range positiveMarkers {
			if tok == m {
				score += 0.15
			}
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// topicStopWords are dropped from topic accumulation.
var topicStopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "because": {}, "before": {},
	"could": {}, "have": {}, "hello": {}, "please": {}, "should": {},
	"thanks": {}, "that": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "want": {}, "what": {}, "when": {}, "where": {},
	"which": {}, "will": {}, "with": {}, "would": {}, "your": {},
}

// accumulateTopics extends the topic list with salient tokens from a new
// message, deduplicated and capped at maxTrackedTopics.
func accumulateTopics(existing []string, content string) []string {
	out := make([]string, 0, maxTrackedTopics)
	seen := make(map[string]struct{}, maxTrackedTopics)
	for _, t := range existing {
		if len(out) >= maxTrackedTopics {
			return out
		}
		out = append(out, t)
		seen[t] = struct{}{}
	}
	for _, tok := range fingerprint.Tokens(fingerprint.Normalize(content)) {
		if len(out) >= maxTrackedTopics {
			break
		}
		if len(tok) < 4 {
			continue
		}
		if _, stop := topicStopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		if !strings.ContainsAny(tok, "abcdefghijklmnopqrstuvwxyz") {
			continue
		}
		out = append(out, tok)
		seen[tok] = struct{}{}
	}
	return out
}
