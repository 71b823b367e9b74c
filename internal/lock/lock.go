// Package lock serializes the two operation classes that must never run
// twice in parallel for one conversation: AI response generation and state
// transitions. Everything else in the pipeline proceeds fully in parallel.
//
// Two implementations share the ConversationLocker interface: an in-process
// keyed mutex for single-instance deployments and tests, and a Redis SetNX
// lease for multi-instance deployments.
package lock

import (
	"context"
	"sync"
)

// ConversationLocker acquires an exclusive, conversation-scoped lock.
// Lock blocks until the lock is held or ctx is done; the returned release
// function must be called exactly once.
type ConversationLocker interface {
	Lock(ctx context.Context, conversationID string) (release func(), err error)
}

// KeyedMutex is the in-process ConversationLocker: one mutex per live
// conversation id, reference-counted so idle entries are reclaimed.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// NewKeyedMutex creates an empty in-process locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock acquires the conversation's mutex, waiting until it is free or ctx
// expires.
func (m *KeyedMutex) Lock(ctx context.Context, conversationID string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[conversationID]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[conversationID] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return func() { m.release(conversationID, e) }, nil
	case <-ctx.Done():
		m.unref(conversationID, e)
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) release(conversationID string, e *entry) {
	<-e.ch
	m.unref(conversationID, e)
}

func (m *KeyedMutex) unref(conversationID string, e *entry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, conversationID)
	}
	m.mu.Unlock()
}
