package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkoutas/go-livechat-backend/internal/ai"
	"github.com/dkoutas/go-livechat-backend/internal/domain"
	"github.com/dkoutas/go-livechat-backend/internal/lock"
	"github.com/dkoutas/go-livechat-backend/internal/pubsub"
	"github.com/dkoutas/go-livechat-backend/internal/repo"
)

func newMsgSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:msgsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.Conversation{},
		&domain.Message{},
		&domain.AIConversationContext{},
		&domain.AIResponseCache{},
		&domain.Idempotency{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// scriptedProvider returns canned replies in sequence and counts calls.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []*ai.Reply
	errs    []error
	calls   int
}

func (p *scriptedProvider) Generate(_ context.Context, _ string, _ []string) (*ai.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return &ai.Reply{Text: "fallback answer"}, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newMsgService(t *testing.T, db *gorm.DB, provider ai.Provider) *MessageService {
	t.Helper()
	hub := pubsub.NewHub(16)
	escalation := NewEscalationService(db, hub, &fakeNotifier{}, DefaultEscalationPolicy())
	cache := NewResponseCacheService(db, time.Hour, 24*time.Hour)
	return NewMessageService(db, hub, lock.NewKeyedMutex(), escalation, cache, provider, ai.StaticContext{"We open at 9am."})
}

func startMsgConversation(t *testing.T, db *gorm.DB) *domain.Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), db, "w1", repo.VisitorInfo{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestSubmitVisitorMessage_BotReplyMissThenCacheHit(t *testing.T) {
	db := newMsgSvcDB(t)
	provider := &scriptedProvider{replies: []*ai.Reply{{Text: "We open at 9am.", Intent: "hours"}}}
	svc := newMsgService(t, db, provider)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "What are your opening hours?", nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.SenderType != domain.SenderVisitor || msg.ID == 0 {
		t.Fatalf("visitor message not stored: %+v", msg)
	}
	if provider.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", provider.callCount())
	}

	var bots []domain.Message
	if err := db.Where("conversation_id = ? AND sender_type = ?", conv.ID, domain.SenderBot).Order("id").Find(&bots).Error; err != nil {
		t.Fatalf("load bots: %v", err)
	}
	if len(bots) != 1 || bots[0].Content != "We open at 9am." {
		t.Fatalf("bot reply = %+v", bots)
	}
	if bots[0].MetaData["source"] != "provider" {
		t.Fatalf("source = %v, want provider", bots[0].MetaData["source"])
	}

	// a paraphrase of the same question is served from the cache
	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "what ARE your opening hours", nil, ""); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if provider.callCount() != 1 {
		t.Fatalf("cache hit must not call the provider again: %d calls", provider.callCount())
	}
	if err := db.Where("conversation_id = ? AND sender_type = ?", conv.ID, domain.SenderBot).Order("id").Find(&bots).Error; err != nil {
		t.Fatalf("reload bots: %v", err)
	}
	if len(bots) != 2 {
		t.Fatalf("bot replies = %d, want 2", len(bots))
	}
	if bots[1].MetaData["source"] != "cache" {
		t.Fatalf("second source = %v, want cache", bots[1].MetaData["source"])
	}
}

func TestSubmitVisitorMessage_ProviderFailureAwaitsAgent(t *testing.T) {
	db := newMsgSvcDB(t)
	boom := errors.New("upstream 503")
	provider := &scriptedProvider{errs: []error{boom, boom}}
	svc := newMsgService(t, db, provider)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "help me", nil, "")
	if err != nil {
		t.Fatalf("the visitor message must survive a provider outage: %v", err)
	}
	if msg.ID == 0 {
		t.Fatalf("message not persisted")
	}
	// one retry, then give up
	if provider.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", provider.callCount())
	}

	var bots int64
	db.Model(&domain.Message{}).Where("conversation_id = ? AND sender_type = ?", conv.ID, domain.SenderBot).Count(&bots)
	if bots != 0 {
		t.Fatalf("no bot reply expected on provider failure, got %d", bots)
	}
}

func TestSubmitVisitorMessage_NilProviderDisablesResponder(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "anyone there?", nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var bots int64
	db.Model(&domain.Message{}).Where("sender_type = ?", domain.SenderBot).Count(&bots)
	if bots != 0 {
		t.Fatalf("nil provider must not produce replies, got %d", bots)
	}
}

func TestSubmitVisitorMessage_NoResponderOnClosedConversation(t *testing.T) {
	db := newMsgSvcDB(t)
	provider := &scriptedProvider{}
	svc := newMsgService(t, db, provider)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	now := time.Now().UTC()
	if err := repo.UpdateConversation(ctx, db, conv.ID, map[string]any{
		"status":    domain.ConversationStatusClosed,
		"closed_at": now,
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "one more thing", nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("closed conversations must not trigger the responder")
	}

	// a closed conversation also must not be flagged unread
	got, err := repo.GetConversation(ctx, db, conv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.HasNewMessages {
		t.Fatalf("closed conversation flagged unread")
	}
}

func TestSubmitVisitorMessage_NoResponderAfterEscalation(t *testing.T) {
	db := newMsgSvcDB(t)
	provider := &scriptedProvider{}
	svc := newMsgService(t, db, provider)
	svc.Escalation.Policy.MaxResponsesPerConversation = 1
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := repo.GetOrCreateContext(ctx, db, conv.ID); err != nil {
		t.Fatalf("context: %v", err)
	}
	if err := repo.BumpAIResponses(ctx, db, conv.ID, time.Now().UTC()); err != nil {
		t.Fatalf("bump: %v", err)
	}

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "still need help", nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if provider.callCount() != 0 {
		t.Fatalf("escalated conversations must not trigger the responder")
	}
}

func TestSubmitVisitorMessage_NonceAbsorbsDuplicates(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	first, err := svc.SubmitVisitorMessage(ctx, conv.ID, "my order is late", nil, "nonce-1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.SubmitVisitorMessage(ctx, conv.ID, "my order is late", nil, "nonce-1")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned a different message: %d vs %d", second.ID, first.ID)
	}

	var visitorMsgs int64
	db.Model(&domain.Message{}).Where("conversation_id = ? AND sender_type = ?", conv.ID, domain.SenderVisitor).Count(&visitorMsgs)
	if visitorMsgs != 1 {
		t.Fatalf("visitor rows = %d, want 1", visitorMsgs)
	}

	// a different nonce is a new message
	third, err := svc.SubmitVisitorMessage(ctx, conv.ID, "my order is late", nil, "nonce-2")
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.ID == first.ID {
		t.Fatalf("distinct nonce must store a new message")
	}
}

func TestSubmitVisitorMessage_Validation(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "   ", nil, ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank content: %v, want ErrEmptyMessage", err)
	}
	if _, err := svc.SubmitVisitorMessage(ctx, uuid.NewString(), "hi", nil, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("unknown conversation: %v, want ErrConversationNotFound", err)
	}

	// attachment-only messages are fine and typed by mime
	att := &Attachment{URL: "https://cdn.example.com/receipt.png", Name: "receipt.png", Mime: "image/png", Size: 1024}
	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "", att, "")
	if err != nil {
		t.Fatalf("attachment-only: %v", err)
	}
	if msg.Type != domain.MessageTypeImage {
		t.Fatalf("type = %s, want image", msg.Type)
	}
	if msg.AttachmentURL == nil || *msg.AttachmentURL != att.URL {
		t.Fatalf("attachment url = %v", msg.AttachmentURL)
	}

	pdf := &Attachment{URL: "https://cdn.example.com/invoice.pdf", Mime: "application/pdf"}
	msg, err = svc.SubmitVisitorMessage(ctx, conv.ID, "see attached", pdf, "")
	if err != nil {
		t.Fatalf("file attachment: %v", err)
	}
	if msg.Type != domain.MessageTypeFile {
		t.Fatalf("type = %s, want file", msg.Type)
	}
}

func TestSubmitVisitorMessage_ContentClippedAtLimit(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	svc.MaxContentRunes = 10
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "0123456789overflow", nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Content != "0123456789" {
		t.Fatalf("content = %q, want 10 runes kept", msg.Content)
	}
}

func TestSubmitVisitorMessage_AutoTitleFromFirstMessage(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "hi, my package never arrived", nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := repo.GetConversation(ctx, db, conv.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Title != "Package Never Arrived" {
		t.Fatalf("title = %q", got.Title)
	}

	// subsequent messages leave the generated title alone
	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "also the tracking page is blank", nil, ""); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	got, _ = repo.GetConversation(ctx, db, conv.ID)
	if got.Title != "Package Never Arrived" {
		t.Fatalf("title rewritten to %q", got.Title)
	}
}

func TestSubmitAgentMessage_MarksConversationRead(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "anyone?", nil, ""); err != nil {
		t.Fatalf("visitor: %v", err)
	}
	got, _ := repo.GetConversation(ctx, db, conv.ID)
	if !got.HasNewMessages {
		t.Fatalf("visitor message must flag the conversation unread")
	}

	msg, err := svc.SubmitAgentMessage(ctx, conv.ID, 7, "Hi, I can help with that.", nil)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if msg.UserID == nil || *msg.UserID != 7 {
		t.Fatalf("agent id = %v", msg.UserID)
	}
	got, _ = repo.GetConversation(ctx, db, conv.ID)
	if !got.IsRead || got.HasNewMessages {
		t.Fatalf("agent reply must mark the conversation read: %+v", got)
	}
}

func TestSubmitSystemMessage(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitSystemMessage(ctx, conv.ID, "Conversation transferred to billing.")
	if err != nil {
		t.Fatalf("system: %v", err)
	}
	if msg.Type != domain.MessageTypeSystem || msg.SenderType != domain.SenderSystem {
		t.Fatalf("tags = %s/%s", msg.Type, msg.SenderType)
	}
	if _, err := svc.SubmitSystemMessage(ctx, conv.ID, "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank system line: %v, want ErrEmptyMessage", err)
	}
}

func TestHistory_CursorPagination(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	for i := 0; i < 5; i++ {
		if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, fmt.Sprintf("message %d", i), nil, ""); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	page, err := svc.History(ctx, conv.ID, 0, 2)
	if err != nil {
		t.Fatalf("newest page: %v", err)
	}
	if len(page) != 2 || page[0].Content != "message 3" || page[1].Content != "message 4" {
		t.Fatalf("newest page = %v", contents(page))
	}

	page, err = svc.History(ctx, conv.ID, page[0].ID, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 2 || page[0].Content != "message 1" || page[1].Content != "message 2" {
		t.Fatalf("second page = %v", contents(page))
	}

	if _, err := svc.History(ctx, conv.ID, 99999, 2); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown cursor: %v, want ErrMessageNotFound", err)
	}
	if _, err := svc.History(ctx, uuid.NewString(), 0, 2); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("unknown conversation: %v, want ErrConversationNotFound", err)
	}
}

func contents(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestTyping(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	sub := svc.Hub.Subscribe(pubsub.ConversationTopic(conv.ID))
	defer sub.Cancel()

	if err := svc.Typing(ctx, conv.ID, domain.SenderVisitor); err != nil {
		t.Fatalf("typing: %v", err)
	}
	select {
	case ev := <-sub.C:
		if ev.Type != pubsub.EventTyping {
			t.Fatalf("event type = %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a typing event")
	}

	if err := svc.Typing(ctx, conv.ID, "robot"); err == nil {
		t.Fatalf("unknown sender type must be rejected")
	}
}

func TestMarkDeliveredAndRead(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "hello", nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.MarkDelivered(ctx, msg.ID); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if err := svc.MarkRead(ctx, msg.ID); err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := repo.GetMessage(ctx, db, msg.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.IsDelivered || got.DeliveredAt == nil || !got.IsRead || got.ReadAt == nil {
		t.Fatalf("flags not stamped: %+v", got)
	}

	if err := svc.MarkDelivered(ctx, 99999); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("unknown message: %v, want ErrMessageNotFound", err)
	}
}

func TestFanOut_PushFailureFlagsMessage(t *testing.T) {
	db := newMsgSvcDB(t)
	svc := newMsgService(t, db, nil)
	svc.Push = func(_ context.Context, _ *domain.Conversation, _ *domain.Message) error {
		return errors.New("apns timeout")
	}
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	msg, err := svc.SubmitVisitorMessage(ctx, conv.ID, "push this", nil, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !msg.IsError || msg.ErrorMessage == nil || *msg.ErrorMessage != "apns timeout" {
		t.Fatalf("in-memory flags not set: %+v", msg)
	}

	got, err := repo.GetMessage(ctx, db, msg.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.IsError || got.ErrorMessage == nil {
		t.Fatalf("stored flags not set: %+v", got)
	}
}

func TestGenerate_EmptyProviderReply(t *testing.T) {
	db := newMsgSvcDB(t)
	provider := &scriptedProvider{replies: []*ai.Reply{{Text: "   "}}}
	svc := newMsgService(t, db, provider)
	ctx := context.Background()
	conv := startMsgConversation(t, db)

	if _, err := svc.SubmitVisitorMessage(ctx, conv.ID, "hello there", nil, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var bots int64
	db.Model(&domain.Message{}).Where("sender_type = ?", domain.SenderBot).Count(&bots)
	if bots != 0 {
		t.Fatalf("a blank provider reply must not be stored, got %d bot rows", bots)
	}
}
