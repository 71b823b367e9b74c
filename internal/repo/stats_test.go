package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

func newStatsDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("stats_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestGetWidgetStats(t *testing.T) {
	db := newStatsDB(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	convs := []domain.Conversation{
		{ID: "c1", WidgetID: "w1", Title: "t", Status: "open", HasNewMessages: true, CreatedAt: at},
		{ID: "c2", WidgetID: "w1", Title: "t", Status: "closed", CreatedAt: at},
		{ID: "c3", WidgetID: "w2", Title: "t", Status: "open", CreatedAt: at},
	}
	for i := range convs {
		if err := db.Create(&convs[i]).Error; err != nil {
			t.Fatalf("seed conv: %v", err)
		}
	}
	msgs := []domain.Message{
		{ConversationID: "c1", Type: "bot", SenderType: "bot", Content: "a", CreatedAt: at},
		{ConversationID: "c2", Type: "bot", SenderType: "bot", Content: "b", CreatedAt: at},
		{ConversationID: "c3", Type: "bot", SenderType: "bot", Content: "other widget", CreatedAt: at},
		{ConversationID: "c1", Type: "text", SenderType: "visitor", Content: "q", CreatedAt: at},
	}
	for i := range msgs {
		if err := db.Create(&msgs[i]).Error; err != nil {
			t.Fatalf("seed msg: %v", err)
		}
	}

	s, err := GetWidgetStats(ctx, db, "w1")
	if err != nil {
		t.Fatalf("GetWidgetStats: %v", err)
	}
	if s.Conversations != 2 || s.Open != 1 || s.Unread != 1 || s.AIResponses != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestGetConversationStats(t *testing.T) {
	db := newStatsDB(t)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msgs := []domain.Message{
		{ConversationID: "c1", Type: "text", SenderType: "visitor", Content: "1", CreatedAt: at},
		{ConversationID: "c1", Type: "text", SenderType: "visitor", Content: "2", CreatedAt: at},
		{ConversationID: "c1", Type: "bot", SenderType: "bot", Content: "3", CreatedAt: at},
		{ConversationID: "c1", Type: "text", SenderType: "agent", Content: "4", CreatedAt: at},
		{ConversationID: "c1", Type: "system", SenderType: "system", Content: "5", CreatedAt: at},
		{ConversationID: "other", Type: "text", SenderType: "visitor", Content: "x", CreatedAt: at},
	}
	for i := range msgs {
		if err := db.Create(&msgs[i]).Error; err != nil {
			t.Fatalf("seed msg: %v", err)
		}
	}

	s, err := GetConversationStats(ctx, db, "c1")
	if err != nil {
		t.Fatalf("GetConversationStats: %v", err)
	}
	if s.Messages != 5 || s.VisitorMessages != 2 || s.AgentMessages != 1 || s.BotMessages != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestLatestActivity(t *testing.T) {
	db := newStatsDB(t)
	ctx := context.Background()

	got, err := LatestActivity(ctx, db, "w1")
	if err != nil {
		t.Fatalf("LatestActivity(empty): %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a silent widget, got %v", got)
	}

	early := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	seed := []domain.Conversation{
		{ID: "c1", WidgetID: "w1", Title: "t", Status: "open", CreatedAt: early, LastMessageAt: &early},
		{ID: "c2", WidgetID: "w1", Title: "t", Status: "open", CreatedAt: early, LastMessageAt: &late},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	got, err = LatestActivity(ctx, db, "w1")
	if err != nil {
		t.Fatalf("LatestActivity: %v", err)
	}
	if got == nil || !got.Equal(late) {
		t.Fatalf("expected %v, got %v", late, got)
	}
}
