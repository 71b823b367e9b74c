// Package domain defines the persistence models for conversations, messages,
// and the AI-assist bookkeeping tables (conversation context, response cache,
// learning patterns). These types are mapped with GORM and form the core data
// layer of the live-chat backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Conversation status values. A conversation starts "open", may be closed by
// an agent or the visitor, and may be archived (one-way) from any state.
const (
	ConversationStatusOpen     = "open"
	ConversationStatusClosed   = "closed"
	ConversationStatusArchived = "archived"
)

// Message type values.
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
	MessageTypeBot    = "bot"
)

// Message sender values.
const (
	SenderVisitor = "visitor"
	SenderAgent   = "agent"
	SenderSystem  = "system"
	SenderBot     = "bot"
)

// Sentiment categories tracked on the AI conversation context.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
)

// Learned pattern categories.
const (
	PatternTypeQuestion = "question"
	PatternTypeGreeting = "greeting"
)

// Escalation reasons recorded when a conversation is handed back to a human.
const (
	EscalationResponseLimit     = "response_limit_reached"
	EscalationNegativeSentiment = "negative_sentiment"
	EscalationAgentUnresponsive = "agent_unresponsive"
)

// ValidStatus reports whether s is a known conversation status.
func ValidStatus(s string) bool {
	switch s {
	case ConversationStatusOpen, ConversationStatusClosed, ConversationStatusArchived:
		return true
	}
	return false
}

// ValidMessageType reports whether t is a known message type. Unknown tags
// must be rejected at the boundary, never defaulted.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem, MessageTypeBot:
		return true
	}
	return false
}

// ValidSender reports whether s is a known sender type.
func ValidSender(s string) bool {
	switch s {
	case SenderVisitor, SenderAgent, SenderSystem, SenderBot:
		return true
	}
	return false
}

// Conversation is a live-chat thread between one website visitor and the
// business. It belongs to a Widget (external aggregate, referenced by ID
// only) and carries whatever identity the visitor chose to supply.
//
// Lifecycle invariant: ClosedAt, ClosedBy, and CloseReason are simultaneously
// null or simultaneously set, and only while Status == "closed". ClosedBy
// stays null when the visitor closes the thread themselves.
type Conversation struct {
	ID       string `json:"id"        gorm:"type:char(36);primaryKey"`
	WidgetID string `json:"widget_id" gorm:"type:varchar(64);not null;index:idx_widget_convs"`
	Title    string `json:"title"     gorm:"type:varchar(255);not null;default:'New conversation'"`

	// Visitor-supplied identity. All optional and unverified.
	VisitorID    *string `json:"visitor_id,omitempty"    gorm:"type:varchar(64);index"`
	VisitorEmail *string `json:"visitor_email,omitempty" gorm:"type:varchar(255)"`
	VisitorName  *string `json:"visitor_name,omitempty"  gorm:"type:varchar(255)"`
	VisitorIP    *string `json:"visitor_ip,omitempty"    gorm:"type:varchar(45)"`
	Locale       *string `json:"locale,omitempty"        gorm:"type:varchar(16)"`
	UserAgent    *string `json:"user_agent,omitempty"    gorm:"type:varchar(512)"`
	Referrer     *string `json:"referrer,omitempty"      gorm:"type:varchar(2048)"`

	Status         string     `json:"status" gorm:"type:varchar(16);not null;default:'open';index;check:status IN ('open','closed','archived')"`
	IsRead         bool       `json:"is_read"          gorm:"not null;default:false"`
	HasNewMessages bool       `json:"has_new_messages" gorm:"not null;default:false"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`

	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ClosedBy    *uint      `json:"closed_by,omitempty"`
	CloseReason *string    `json:"close_reason,omitempty" gorm:"type:varchar(255)"`

	// Post-close satisfaction rating, 1..5.
	Rating        *int    `json:"rating,omitempty" gorm:"check:rating IS NULL OR (rating >= 1 AND rating <= 5)"`
	RatingComment *string `json:"rating_comment,omitempty" gorm:"type:text"`

	MetaData datatypes.JSONMap `json:"meta_data,omitempty" gorm:"type:json"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// IsClosed reports whether the conversation is in the closed state.
func (c *Conversation) IsClosed() bool { return c.Status == ConversationStatusClosed }

// IsArchived reports whether the conversation has been archived.
func (c *Conversation) IsArchived() bool { return c.Status == ConversationStatusArchived }

// Message is a single utterance within a conversation. The integer primary
// key is auto-incrementing on purpose: within one conversation messages are
// totally ordered by (created_at, id), and the id breaks ties when several
// messages share a timestamp.
//
// Once delivered a message is immutable except for the delivery/read/error
// flag fields.
type Message struct {
	ID             uint   `json:"id"              gorm:"primaryKey;autoIncrement"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Type           string `json:"type"        gorm:"type:varchar(16);not null;check:type IN ('text','image','file','system','bot')"`
	SenderType     string `json:"sender_type" gorm:"type:varchar(16);not null;check:sender_type IN ('visitor','agent','system','bot')"`

	// UserID identifies the authoring agent when SenderType == "agent".
	UserID *uint `json:"user_id,omitempty" gorm:"index"`

	// Content may be empty for file-only messages.
	Content string `json:"content" gorm:"type:text"`

	// Attachment descriptor; validation of size/type is a collaborator
	// concern, the pipeline stores what it is given.
	AttachmentURL  *string `json:"attachment_url,omitempty"  gorm:"type:varchar(2048)"`
	AttachmentName *string `json:"attachment_name,omitempty" gorm:"type:varchar(255)"`
	AttachmentMime *string `json:"attachment_mime,omitempty" gorm:"type:varchar(128)"`
	AttachmentSize *int64  `json:"attachment_size,omitempty"`

	IsDelivered bool       `json:"is_delivered" gorm:"not null;default:false"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	IsRead      bool       `json:"is_read" gorm:"not null;default:false"`
	ReadAt      *time.Time `json:"read_at,omitempty"`

	// IsError marks messages whose downstream delivery notification failed.
	// The message itself stays durably stored.
	IsError      bool    `json:"is_error" gorm:"not null;default:false"`
	ErrorMessage *string `json:"error_message,omitempty" gorm:"type:varchar(512)"`

	MetaData datatypes.JSONMap `json:"meta_data,omitempty" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// HasAttachment reports whether the message carries an attachment descriptor.
func (m *Message) HasAttachment() bool { return m.AttachmentURL != nil && *m.AttachmentURL != "" }

// AIConversationContext accumulates per-conversation AI state: detected
// topics, intent, sentiment, response counters, and the sticky escalation
// flags. One row per conversation, created lazily on the first visitor
// message and never deleted independently of the conversation.
type AIConversationContext struct {
	ID             uint   `json:"id"              gorm:"primaryKey"`
	ConversationID string `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex"`

	Topics        datatypes.JSONSlice[string] `json:"topics" gorm:"type:json"`
	PrimaryIntent *string                     `json:"primary_intent,omitempty" gorm:"type:varchar(64)"`

	Sentiment      string  `json:"sentiment"       gorm:"type:varchar(16);not null;default:'neutral';check:sentiment IN ('positive','neutral','negative')"`
	SentimentScore float64 `json:"sentiment_score" gorm:"not null;default:0.5;check:sentiment_score >= 0 AND sentiment_score <= 1"`

	VisitorMessagesCount int `json:"visitor_messages_count" gorm:"not null;default:0"`
	AIResponsesCount     int `json:"ai_responses_count"     gorm:"not null;default:0"`

	// EscalationNeeded is sticky: once set it is only cleared by an explicit
	// reopen/reset, never by the engine itself. EscalationMessageSent gates
	// the one-shot escalation notice.
	EscalationNeeded      bool    `json:"escalation_needed"       gorm:"not null;default:false"`
	EscalationReason      *string `json:"escalation_reason,omitempty" gorm:"type:varchar(64)"`
	EscalationMessageSent bool    `json:"escalation_message_sent" gorm:"not null;default:false"`

	LastAIResponseAt *time.Time `json:"last_ai_response_at,omitempty"`
	LastEscalationAt *time.Time `json:"last_escalation_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AIConversationContext.
func (AIConversationContext) TableName() string { return "ai_conversation_contexts" }

// AIResponseCache stores one previously generated AI response per distinct
// normalized visitor question. The fingerprint (hash of the normalized text)
// is globally unique; content is immutable once stored while the counters
// keep moving.
//
// Invariant: SuccessRate is always recomputed from the two counters
// (success_count / hit_count * 100, zero when hit_count is zero) and never
// drifted independently.
type AIResponseCache struct {
	ID                 uint    `json:"id" gorm:"primaryKey"`
	MessageFingerprint string  `json:"message_fingerprint" gorm:"type:char(64);not null;uniqueIndex"`
	NormalizedMessage  string  `json:"normalized_message"  gorm:"type:text;not null"`
	CachedResponse     string  `json:"cached_response"     gorm:"type:text;not null"`
	Intent             *string `json:"intent,omitempty"    gorm:"type:varchar(64)"`

	HitCount     int64   `json:"hit_count"     gorm:"not null;default:0"`
	SuccessCount int64   `json:"success_count" gorm:"not null;default:0"`
	SuccessRate  float64 `json:"success_rate"  gorm:"not null;default:0"`

	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for AIResponseCache.
func (AIResponseCache) TableName() string { return "ai_response_cache" }

// Expired reports whether the entry is past its expiry at the given instant.
// Entries without ExpiresAt never expire.
func (e *AIResponseCache) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// AILearningPattern records a (visitor-message-pattern, successful-response)
// pair together with how often it worked. Patterns only ever strengthen:
// nothing in this engine decreases SuccessCount or ConfidenceScore.
//
// ConfidenceScore is derived: min(100, 50 + success_count*10).
type AILearningPattern struct {
	ID                 uint    `json:"id" gorm:"primaryKey"`
	PatternType        string  `json:"pattern_type" gorm:"type:varchar(32);not null;default:'question'"`
	Intent             *string `json:"intent,omitempty" gorm:"type:varchar(64)"`
	MessagePattern     string  `json:"message_pattern"      gorm:"type:text;not null;uniqueIndex:ux_pattern,length:255"`
	SuccessfulResponse string  `json:"successful_response"  gorm:"type:text;not null"`

	SuccessCount    int      `json:"success_count"    gorm:"not null;default:1;check:success_count >= 1"`
	ConfidenceScore float64  `json:"confidence_score" gorm:"not null;default:60;check:confidence_score >= 0 AND confidence_score <= 100"`
	AvgRating       *float64 `json:"avg_rating,omitempty"`

	ContextTags datatypes.JSONSlice[string] `json:"context_tags" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for AILearningPattern.
func (AILearningPattern) TableName() string { return "ai_learning_patterns" }

// Confidence returns the derived confidence score for n recorded successes.
func Confidence(n int) float64 {
	c := 50 + float64(n)*10
	if c > 100 {
		return 100
	}
	return c
}

// Idempotency records an accepted visitor-message submission keyed by
// conversation and client-supplied nonce, so webhook-style redelivery and
// client retries are absorbed before they reach the per-conversation lock.
type Idempotency struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;uniqueIndex:ux_idem_conv_nonce"`
	Nonce          string    `json:"nonce"           gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_conv_nonce"`
	MessageID      uint      `json:"message_id"      gorm:"not null"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"not null;index"`
}

// TableName returns the database table name for Idempotency.
func (Idempotency) TableName() string { return "idempotency_keys" }
