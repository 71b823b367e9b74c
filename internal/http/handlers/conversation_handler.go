// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /widgets/{widget_id}/conversations   (start)
//   - GET    /widgets/{widget_id}/conversations   (inbox list, paginated)
//   - GET    /widgets/{widget_id}/stats           (inbox aggregates)
//   - GET    /conversations/{id}                  (fetch)
//   - GET    /conversations/{id}/stats            (per-thread aggregates)
//   - POST   /conversations/{id}/close
//   - POST   /conversations/{id}/reopen
//   - POST   /conversations/{id}/archive
//   - POST   /conversations/{id}/read
//   - POST   /conversations/{id}/rating
//   - DELETE /conversations/{id}
//
// Handlers are transport-thin: they validate input, call application
// services, and translate sentinel errors into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
	"github.com/dkoutas/go-livechat-backend/internal/services"
	"github.com/dkoutas/go-livechat-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines the lifecycle operations consumed by HTTP
// handlers. Implementations must be safe for concurrent use and honor the
// provided context.
type ConversationService interface {
	Start(ctx context.Context, widgetID string, visitor repo.VisitorInfo) (*domain.Conversation, error)
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	ListPage(ctx context.Context, widgetID, status string, page, pageSize int) ([]domain.Conversation, int64, error)
	Close(ctx context.Context, id string, closedBy *uint, reason string) (*domain.Conversation, error)
	Reopen(ctx context.Context, id string) (*domain.Conversation, error)
	Archive(ctx context.Context, id string) (*domain.Conversation, error)
	MarkRead(ctx context.Context, id string) error
	Rate(ctx context.Context, id string, rating int, comment *string) (*domain.Conversation, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, id string) (*repo.ConversationStats, error)
	WidgetStats(ctx context.Context, widgetID string) (*repo.WidgetStats, error)
}

// Handlers groups the HTTP handlers and their service dependencies.
type Handlers struct {
	convSvc  ConversationService
	msgSvc   MessageService
	learnSvc LearningService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(convSvc ConversationService, msgSvc MessageService, learnSvc LearningService) *Handlers {
	return &Handlers{convSvc: convSvc, msgSvc: msgSvc, learnSvc: learnSvc}
}

//
// DTOs
//

// StartConversationRequest carries the optional visitor identity supplied by
// the widget when it opens a thread. Everything is unverified client input.
type StartConversationRequest struct {
	VisitorID    *string `json:"visitor_id,omitempty"`
	VisitorEmail *string `json:"visitor_email,omitempty"`
	VisitorName  *string `json:"visitor_name,omitempty"`
	Locale       *string `json:"locale,omitempty"`
	Referrer     *string `json:"referrer,omitempty"`
}

// CloseConversationRequest optionally names the closing agent and reason.
// AgentID stays nil when the visitor closes the thread themselves.
type CloseConversationRequest struct {
	AgentID *uint  `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// RateConversationRequest carries the post-close satisfaction rating.
type RateConversationRequest struct {
	Rating  int     `json:"rating" binding:"required"`
	Comment *string `json:"comment,omitempty"`
}

// Pagination is the metadata block attached to list responses.
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int64 `json:"total"`
}

// ListConversationsResponse is a page of the widget inbox.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

//
// Handlers
//

// StartConversation opens a new thread for the widget in the path. The
// client IP and User-Agent are captured server-side, not trusted from the
// payload.
func (h *Handlers) StartConversation(c *gin.Context) {
	widgetID := strings.TrimSpace(c.Param("widget_id"))
	if widgetID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "widget_id is required")
		return
	}

	var req StartConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ip := c.ClientIP()
	ua := c.Request.UserAgent()
	info := repo.VisitorInfo{
		VisitorID: req.VisitorID,
		Email:     req.VisitorEmail,
		Name:      req.VisitorName,
		Locale:    req.Locale,
		Referrer:  req.Referrer,
	}
	if ip != "" {
		info.IP = &ip
	}
	if ua != "" {
		info.UserAgent = &ua
	}

	conv, err := h.convSvc.Start(c.Request.Context(), widgetID, info)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "could not start conversation")
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations returns one inbox page, filtered by ?status= and
// paginated with ?page= and ?page_size=.
func (h *Handlers) ListConversations(c *gin.Context) {
	widgetID := strings.TrimSpace(c.Param("widget_id"))
	if widgetID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "widget_id is required")
		return
	}
	status := c.Query("status")
	if status != "" && !domain.ValidStatus(status) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status filter")
		return
	}
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)

	items, total, err := h.convSvc.ListPage(c.Request.Context(), widgetID, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list conversations")
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination:    Pagination{Page: page, PageSize: pageSize, Total: total},
	})
}

// GetWidgetStats returns the inbox aggregates for one widget.
func (h *Handlers) GetWidgetStats(c *gin.Context) {
	widgetID := strings.TrimSpace(c.Param("widget_id"))
	if widgetID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "widget_id is required")
		return
	}
	stats, err := h.convSvc.WidgetStats(c.Request.Context(), widgetID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not compute stats")
		return
	}
	ok(c, http.StatusOK, stats)
}

// GetConversation fetches one conversation by id.
func (h *Handlers) GetConversation(c *gin.Context) {
	conv, err := h.convSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// GetConversationStats returns the per-thread message aggregates.
func (h *Handlers) GetConversationStats(c *gin.Context) {
	stats, err := h.convSvc.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, stats)
}

// CloseConversation transitions open → closed.
func (h *Handlers) CloseConversation(c *gin.Context) {
	var req CloseConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	conv, err := h.convSvc.Close(c.Request.Context(), c.Param("id"), req.AgentID, req.Reason)
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ReopenConversation transitions closed → open.
func (h *Handlers) ReopenConversation(c *gin.Context) {
	conv, err := h.convSvc.Reopen(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ArchiveConversation transitions any live state → archived.
func (h *Handlers) ArchiveConversation(c *gin.Context) {
	conv, err := h.convSvc.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// MarkConversationRead flips the unread flags.
func (h *Handlers) MarkConversationRead(c *gin.Context) {
	if err := h.convSvc.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		h.convError(c, err)
		return
	}
	noContent(c)
}

// RateConversation records a post-close satisfaction rating.
func (h *Handlers) RateConversation(c *gin.Context) {
	var req RateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "rating is required")
		return
	}
	conv, err := h.convSvc.Rate(c.Request.Context(), c.Param("id"), req.Rating, req.Comment)
	if err != nil {
		h.convError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// DeleteConversation soft-deletes a conversation.
func (h *Handlers) DeleteConversation(c *gin.Context) {
	if err := h.convSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.convError(c, err)
		return
	}
	noContent(c)
}

// convError maps service sentinels to HTTP responses.
func (h *Handlers) convError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrInvalidTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, "conversation state does not allow this operation")
	case errors.Is(err, services.ErrInvalidRating):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidRating, "rating must be 1..5 on a closed conversation")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
