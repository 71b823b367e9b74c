// Message HTTP handlers.
//
// This file exposes REST endpoints for the message pipeline:
//   - POST /conversations/{id}/messages        (visitor submission)
//   - POST /conversations/{id}/agent-messages  (agent reply)
//   - GET  /conversations/{id}/messages        (history, before_id cursor)
//   - POST /conversations/{id}/typing          (transient indicator)
//   - POST /messages/{id}/delivered
//   - POST /messages/{id}/read
//   - GET  /learning/patterns                  (learned answer patterns)
//
// Idempotency: the visitor submission honors the Idempotency-Key header as
// the submission nonce; a redelivered request returns the originally stored
// message with Idempotency-Replayed: true.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/http/middleware"
	"github.com/dkoutas/go-livechat-backend/internal/services"
	"github.com/dkoutas/go-livechat-backend/internal/utils"
)

// MessageService defines the pipeline operations consumed by HTTP handlers.
// Implementations must be safe for concurrent use and honor the provided
// context.
type MessageService interface {
	SubmitVisitorMessage(ctx context.Context, conversationID, content string, att *services.Attachment, nonce string) (*domain.Message, error)
	SubmitAgentMessage(ctx context.Context, conversationID string, agentID uint, content string, att *services.Attachment) (*domain.Message, error)
	MarkDelivered(ctx context.Context, messageID uint) error
	MarkRead(ctx context.Context, messageID uint) error
	History(ctx context.Context, conversationID string, beforeID uint, limit int) ([]domain.Message, error)
	Typing(ctx context.Context, conversationID, senderType string) error
}

// LearningService exposes the learned answer patterns for inspection.
type LearningService interface {
	List(ctx context.Context, limit int) ([]domain.AILearningPattern, error)
}

//
// DTOs
//

// PostMessageRequest is the JSON payload for a visitor submission. Content
// and attachment cannot both be absent.
type PostMessageRequest struct {
	Content    string               `json:"content"`
	Attachment *services.Attachment `json:"attachment,omitempty"`
}

// PostAgentMessageRequest is the JSON payload for an agent reply.
type PostAgentMessageRequest struct {
	AgentID    uint                 `json:"agent_id" binding:"required"`
	Content    string               `json:"content"`
	Attachment *services.Attachment `json:"attachment,omitempty"`
}

// TypingRequest identifies who is typing.
type TypingRequest struct {
	SenderType string `json:"sender_type" binding:"required"`
}

// ListMessagesResponse contains one history page in chronological order.
// NextBeforeID is the cursor for the next older page; 0 when this page
// reaches the beginning.
type ListMessagesResponse struct {
	Messages     []domain.Message `json:"messages"`
	NextBeforeID uint             `json:"next_before_id"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text: CRLF/CR to LF, collapsed blank-line
// runs, trimmed surroundings.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// PostVisitorMessage appends a visitor message; the Idempotency-Key header,
// when present, deduplicates redelivery.
func (h *Handlers) PostVisitorMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	nonce, _ := middleware.GetIdempotencyKey(c)
	replay := middleware.IsReplay(c)

	msg, err := h.msgSvc.SubmitVisitorMessage(c.Request.Context(), c.Param("id"), sanitizeContent(req.Content), req.Attachment, nonce)
	if err != nil {
		h.msgError(c, err)
		return
	}
	if replay {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, msg)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// PostAgentMessage appends an agent reply.
func (h *Handlers) PostAgentMessage(c *gin.Context) {
	var req PostAgentMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agent_id is required")
		return
	}

	msg, err := h.msgSvc.SubmitAgentMessage(c.Request.Context(), c.Param("id"), req.AgentID, sanitizeContent(req.Content), req.Attachment)
	if err != nil {
		h.msgError(c, err)
		return
	}
	ok(c, http.StatusCreated, msg)
}

// ListMessages returns one chronological history page. ?before_id= is the
// cursor (absent or 0 returns the newest page); ?limit= caps the page size.
func (h *Handlers) ListMessages(c *gin.Context) {
	beforeID, _ := utils.ParseUint(c.Query("before_id"))
	limit := utils.AtoiDefault(c.Query("limit"), 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	msgs, err := h.msgSvc.History(c.Request.Context(), c.Param("id"), beforeID, limit)
	if err != nil {
		h.msgError(c, err)
		return
	}

	var next uint
	if len(msgs) == limit {
		next = msgs[0].ID
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs, NextBeforeID: next})
}

// Typing broadcasts a transient typing indicator.
func (h *Handlers) Typing(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sender_type is required")
		return
	}
	if err := h.msgSvc.Typing(c.Request.Context(), c.Param("id"), req.SenderType); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown sender_type")
		return
	}
	noContent(c)
}

// MarkMessageDelivered stamps a message as delivered.
func (h *Handlers) MarkMessageDelivered(c *gin.Context) {
	id, okID := utils.ParseUint(c.Param("id"))
	if !okID || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid message id")
		return
	}
	if err := h.msgSvc.MarkDelivered(c.Request.Context(), id); err != nil {
		h.msgError(c, err)
		return
	}
	noContent(c)
}

// MarkMessageRead stamps a message as read.
func (h *Handlers) MarkMessageRead(c *gin.Context) {
	id, okID := utils.ParseUint(c.Param("id"))
	if !okID || id == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid message id")
		return
	}
	if err := h.msgSvc.MarkRead(c.Request.Context(), id); err != nil {
		h.msgError(c, err)
		return
	}
	noContent(c)
}

// ListLearningPatterns returns the learned answer patterns, strongest first.
func (h *Handlers) ListLearningPatterns(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), 50)
	patterns, err := h.learnSvc.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list patterns")
		return
	}
	ok(c, http.StatusOK, gin.H{"patterns": patterns})
}

// msgError maps pipeline sentinels to HTTP responses.
func (h *Handlers) msgError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrMessageNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
	case errors.Is(err, services.ErrEmptyMessage):
		fail(c, http.StatusBadRequest, ErrCodeEmptyMessage, "content or attachment is required")
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "duplicate submission")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
