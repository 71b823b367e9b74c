// Package services defines the business logic of the conversation engine:
// the conversation state machine, the message pipeline, the AI response
// cache, the learning store, and the escalation engine. This file
// centralizes the service-level error taxonomy so methods return stable
// sentinels and callers check them with errors.Is; translation into HTTP
// status codes happens at the handler layer.
package services

import "errors"

var (
	// ErrConversationNotFound indicates the conversation does not exist or
	// was soft-deleted.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidTransition is returned for an illegal state-machine move
	// (closing a closed thread, reopening an archived one, ...).
	ErrInvalidTransition = errors.New("invalid conversation state transition")

	// ErrEmptyMessage is returned when a submission carries neither content
	// nor an attachment.
	ErrEmptyMessage = errors.New("message has no content or attachment")

	// ErrConflict is returned for uniqueness races (cache fingerprint,
	// duplicate submission nonce) that the caller chose not to absorb.
	ErrConflict = errors.New("conflict")

	// ErrProviderUnavailable is returned when the AI provider call failed or
	// timed out. The pipeline recovers from it locally: the visitor message
	// stays persisted and the conversation proceeds without a bot reply.
	ErrProviderUnavailable = errors.New("ai provider unavailable")

	// ErrDeliveryFailed is returned when fan-out or notification delivery
	// failed after the message was durably stored. It is surfaced as a flag
	// on the message, never as a rollback.
	ErrDeliveryFailed = errors.New("delivery notification failed")

	// ErrInvalidRating is returned when a post-close rating is outside 1..5
	// or the conversation is not closed.
	ErrInvalidRating = errors.New("invalid rating")
)
