package service

import (
	"context"
	"sync"
	"time"

	"github.com/vilaca/mlsync/internal/domain"
)

// Session is the process-wide context shared by the synchronizer, the
// orchestrator and the watcher. It is opened once at startup and closed at
// teardown; intents issued after Close fail with domain.ErrSessionClosed.
type Session struct {
	user     domain.UserProfile
	openedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// OpenSession starts a session for user. Closing parent closes the session context too.
func OpenSession(parent context.Context, user domain.UserProfile) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		user:     user,
		openedAt: time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// User returns the user the session was opened for.
func (s *Session) User() domain.UserProfile {
	return s.user
}

// OpenedAt returns when the session started.
func (s *Session) OpenedAt() time.Time {
	return s.openedAt
}

// Context is done once the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Active reports whether intents are still accepted.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.ctx.Err() == nil
}

// Close ends the session. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) check() error {
	if !s.Active() {
		return domain.ErrSessionClosed
	}
	return nil
}
