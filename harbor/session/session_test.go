package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	mu      sync.Mutex
	saved   []ports.Turn
	saveErr error
	loaded  []ports.Turn
	loadErr error
}

func (s *stubStore) SaveTurn(_ context.Context, _ string, turn ports.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, turn)
	return nil
}

func (s *stubStore) LoadContext(_ context.Context, _ string, k int) ([]ports.Turn, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if k > 0 && k < len(s.loaded) {
		return s.loaded[len(s.loaded)-k:], nil
	}
	return s.loaded, nil
}

func TestSessionAppendKeepsOrder(t *testing.T) {
	s := New("s1", nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		err := s.Append(context.Background(), ports.Turn{
			Role:    ports.RoleInstruction,
			Content: fmt.Sprintf("turn %d", i),
		})
		require.NoError(t, err)
	}

	hist := s.History()
	require.Len(t, hist, 3)
	for i, turn := range hist {
		assert.Equal(t, fmt.Sprintf("turn %d", i), turn.Content)
		assert.False(t, turn.CreatedAt.IsZero(), "CreatedAt must be stamped")
	}
	assert.Equal(t, 3, s.Len())
}

func TestSessionGeneratesID(t *testing.T) {
	a := New("", nil, zerolog.Nop())
	b := New("", nil, zerolog.Nop())
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())

	c := New("fixed", nil, zerolog.Nop())
	assert.Equal(t, "fixed", c.ID())
}

func TestSessionHistoryIsACopy(t *testing.T) {
	s := New("s1", nil, zerolog.Nop())
	require.NoError(t, s.Append(context.Background(), ports.Turn{Role: ports.RoleInstruction, Content: "original"}))

	hist := s.History()
	hist[0].Content = "mutated"

	assert.Equal(t, "original", s.History()[0].Content)
}

func TestSessionWritesThroughStore(t *testing.T) {
	store := &stubStore{}
	s := New("s1", store, zerolog.Nop())

	inv := &ports.Invocation{Service: "files", Tool: "read_file"}
	require.NoError(t, s.Append(context.Background(), ports.Turn{Role: ports.RoleDecision, Content: "call", Invocation: inv}))

	require.Len(t, store.saved, 1)
	assert.Equal(t, ports.RoleDecision, store.saved[0].Role)
	require.NotNil(t, store.saved[0].Invocation)
	assert.Equal(t, "files", store.saved[0].Invocation.Service)
}

func TestSessionKeepsTurnWhenStoreFails(t *testing.T) {
	store := &stubStore{saveErr: errors.New("disk full")}
	s := New("s1", store, zerolog.Nop())

	err := s.Append(context.Background(), ports.Turn{Role: ports.RoleInstruction, Content: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal write")

	// The in-memory transcript is authoritative.
	assert.Equal(t, 1, s.Len())
}

func TestSessionHydrate(t *testing.T) {
	store := &stubStore{loaded: []ports.Turn{
		{Role: ports.RoleInstruction, Content: "earlier"},
		{Role: ports.RoleDecision, Content: "answer"},
	}}
	s := New("s1", store, zerolog.Nop())

	require.NoError(t, s.Hydrate(context.Background(), 10))
	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "earlier", hist[0].Content)

	// Hydrating a non-empty session is refused.
	err := s.Hydrate(context.Background(), 10)
	assert.Error(t, err)
}

func TestSessionHydrateWithoutStore(t *testing.T) {
	s := New("s1", nil, zerolog.Nop())
	assert.NoError(t, s.Hydrate(context.Background(), 5))
	assert.Zero(t, s.Len())
}

func TestSessionConcurrentReadersSafe(t *testing.T) {
	s := New("s1", nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.History()
				_ = s.Len()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Append(context.Background(), ports.Turn{Role: ports.RoleResult, Content: "r"}))
	}
	wg.Wait()
	assert.Equal(t, 100, s.Len())
}
