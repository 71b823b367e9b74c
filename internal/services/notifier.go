// Package services – Notifier
//
// Outbound notification dispatch (push/email to agents) is a collaborator,
// not something this engine implements. The pipeline calls the Notifier
// after persistence; failures surface as delivery flags on the stored
// message, never as rollbacks.
package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dkoutas/go-livechat-backend/internal/domain"
)

// Notifier dispatches out-of-band notifications to agents.
type Notifier interface {
	// NotifyNewConversation announces a newly started conversation.
	NotifyNewConversation(ctx context.Context, conv *domain.Conversation) error

	// NotifyEscalation announces that a conversation needs a human. Called at
	// most once per escalation episode.
	NotifyEscalation(ctx context.Context, conv *domain.Conversation, reason string) error
}

// LogNotifier is the default Notifier: it records the notification in the
// structured log and always succeeds. Deployments plug real push/email
// dispatchers in behind the same interface.
type LogNotifier struct {
	Log zerolog.Logger
}

// NotifyNewConversation logs the new conversation.
func (n *LogNotifier) NotifyNewConversation(_ context.Context, conv *domain.Conversation) error {
	n.Log.Info().
		Str("conversation_id", conv.ID).
		Str("widget_id", conv.WidgetID).
		Msg("new conversation")
	return nil
}

// NotifyEscalation logs the escalation hand-off.
func (n *LogNotifier) NotifyEscalation(_ context.Context, conv *domain.Conversation, reason string) error {
	n.Log.Warn().
		Str("conversation_id", conv.ID).
		Str("widget_id", conv.WidgetID).
		Str("reason", reason).
		Msg("conversation escalated to human agent")
	return nil
}
