package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// openTestJournal opens a throwaway journal database, skipping when the
// embedded libsql driver is not available in this build environment.
func openTestJournal(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s", filepath.Join(t.TempDir(), "journal.db"))
	db, err := OpenJournal(context.Background(), dsn)
	if err != nil {
		t.Skipf("libsql unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestJournal(t), zerolog.Nop())

	turns := []ports.Turn{
		{Role: ports.RoleInstruction, Content: "what is in /tmp?", CreatedAt: time.Now().UTC()},
		{Role: ports.RoleDecision, Content: "", Invocation: &ports.Invocation{
			Service: "files",
			Tool:    "list_directory",
			Args:    json.RawMessage(`{"path":"/tmp"}`),
		}, CreatedAt: time.Now().UTC()},
		{Role: ports.RoleResult, Content: `["a.txt"]`, CreatedAt: time.Now().UTC()},
		{Role: ports.RoleDecision, Content: "There is one file: a.txt", CreatedAt: time.Now().UTC()},
	}
	for _, turn := range turns {
		require.NoError(t, j.SaveTurn(ctx, "sess-1", turn))
	}

	loaded, err := j.LoadContext(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, loaded, 4)

	assert.Equal(t, ports.RoleInstruction, loaded[0].Role)
	assert.Equal(t, "what is in /tmp?", loaded[0].Content)
	require.NotNil(t, loaded[1].Invocation)
	assert.Equal(t, "files", loaded[1].Invocation.Service)
	assert.Equal(t, "list_directory", loaded[1].Invocation.Tool)
	assert.JSONEq(t, `{"path":"/tmp"}`, string(loaded[1].Invocation.Args))
	assert.Nil(t, loaded[0].Invocation)
	assert.Equal(t, "There is one file: a.txt", loaded[3].Content)
}

func TestJournalLastKOldestFirst(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestJournal(t), zerolog.Nop())

	for i := 0; i < 6; i++ {
		require.NoError(t, j.SaveTurn(ctx, "sess-2", ports.Turn{
			Role:    ports.RoleInstruction,
			Content: fmt.Sprintf("turn %d", i),
		}))
	}

	loaded, err := j.LoadContext(ctx, "sess-2", 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "turn 4", loaded[0].Content)
	assert.Equal(t, "turn 5", loaded[1].Content)
}

func TestJournalSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestJournal(t), zerolog.Nop())

	require.NoError(t, j.SaveTurn(ctx, "sess-a", ports.Turn{Role: ports.RoleInstruction, Content: "a"}))
	require.NoError(t, j.SaveTurn(ctx, "sess-b", ports.Turn{Role: ports.RoleInstruction, Content: "b"}))

	loaded, err := j.LoadContext(ctx, "sess-a", 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "a", loaded[0].Content)
}

func TestJournalLoadContextZeroK(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(openTestJournal(t), zerolog.Nop())

	loaded, err := j.LoadContext(ctx, "sess-x", 0)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
