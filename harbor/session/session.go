// Package session holds per-conversation transcripts. A session is
// append-only: turns are never edited or removed once recorded.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one conversation's transcript. Appends are expected from a
// single driving goroutine (the host serializes turns per session); the
// mutex keeps readers safe, it does not impose an ordering of its own.
type Session struct {
	id     string
	store  ports.ConversationStore
	logger zerolog.Logger

	mu    sync.Mutex
	turns []ports.Turn
}

// New creates a session. An empty id gets a generated one; store may be nil
// for unjournaled sessions.
func New(id string, store ports.ConversationStore, logger zerolog.Logger) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:     id,
		store:  store,
		logger: logger.With().Str("component", "session").Str("session_id", id).Logger(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Append records a turn, stamping CreatedAt when unset, and writes it
// through to the store when one is attached. The in-memory transcript is
// authoritative: a store failure is returned but the turn is already
// appended.
func (s *Session) Append(ctx context.Context, turn ports.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.SaveTurn(ctx, s.id, turn); err != nil {
		s.logger.Warn().Err(err).Str("role", turn.Role).Msg("journal write failed")
		return fmt.Errorf("session: journal write: %w", err)
	}
	return nil
}

// History returns a copy of the transcript in append order.
func (s *Session) History() []ports.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len returns the number of recorded turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Hydrate loads the last k journaled turns into an empty session, for
// resuming a prior conversation. It refuses to overwrite recorded turns.
func (s *Session) Hydrate(ctx context.Context, k int) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > 0 {
		return fmt.Errorf("session: hydrate on non-empty session")
	}
	turns, err := s.store.LoadContext(ctx, s.id, k)
	if err != nil {
		return fmt.Errorf("session: hydrate: %w", err)
	}
	s.turns = turns
	s.logger.Debug().Int("turns", len(turns)).Msg("session hydrated")
	return nil
}
