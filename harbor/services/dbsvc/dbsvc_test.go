package dbsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services"
)

// openTestDB opens and seeds a throwaway database, skipping when the
// embedded libsql driver is not available in this build environment.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s", filepath.Join(t.TempDir(), "demo.db"))
	db, err := Open(context.Background(), dsn)
	if err != nil {
		t.Skipf("libsql unavailable: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Seed(context.Background(), db))
	return db
}

func marshalArgs(t *testing.T, args any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return raw
}

func TestSeedIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Seed(context.Background(), db))

	var users int
	require.NoError(t, db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM users`).Scan(&users))
	assert.Equal(t, 3, users)
}

func TestExecuteQuery(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	res, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query": "SELECT name, age FROM users ORDER BY age",
	}))
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, []string{"name", "age"}, m["columns"])
	assert.Equal(t, 3, m["row_count"])
	assert.Equal(t, false, m["truncated"])

	rows := m["rows"].([][]any)
	require.Len(t, rows, 3)
	assert.Equal(t, "Bob Smith", rows[0][0])
	assert.EqualValues(t, 25, rows[0][1])
	assert.Equal(t, "Charlie Brown", rows[2][0])
}

func TestExecuteQueryWithCTE(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	res, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query": "WITH grownups AS (SELECT name FROM users WHERE age >= 30) SELECT name FROM grownups ORDER BY name",
	}))
	require.NoError(t, err)

	m := res.(map[string]any)
	rows := m["rows"].([][]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Alice Johnson", rows[0][0])
	assert.Equal(t, "Charlie Brown", rows[1][0])
}

func TestExecuteQueryRowLimit(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	res, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query":    "SELECT id FROM products ORDER BY id",
		"max_rows": 2,
	}))
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, 2, m["row_count"])
	assert.Equal(t, true, m["truncated"])
}

func TestExecuteQueryRejectsWrites(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	for _, query := range []string{
		"DROP TABLE users",
		"DELETE FROM users",
		"INSERT INTO users (name, email) VALUES ('x', 'x@example.com')",
		"UPDATE products SET stock = 0",
	} {
		_, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{"query": query}))
		var failure *services.Failure
		require.ErrorAs(t, err, &failure, "query %q must be rejected", query)
		assert.Equal(t, protocol.KindBadRequest, failure.Kind)
		assert.Contains(t, failure.Message, "SELECT")
	}
}

func TestExecuteQueryRejectsMultipleStatements(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	_, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query": "SELECT 1; DROP TABLE users",
	}))
	var failure *services.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, protocol.KindBadRequest, failure.Kind)
	assert.Contains(t, failure.Message, "multiple statements")

	// A lone trailing semicolon is tolerated.
	_, err = tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query": "SELECT COUNT(*) FROM users;",
	}))
	require.NoError(t, err)
}

func TestExecuteQueryBadSQL(t *testing.T) {
	tool := &queryTool{db: openTestDB(t)}

	_, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{
		"query": "SELECT nothing FROM nowhere",
	}))
	var failure *services.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, protocol.KindBadRequest, failure.Kind)
	assert.Contains(t, failure.Message, "query failed")
}

func TestListTables(t *testing.T) {
	tool := &listTablesTool{db: openTestDB(t)}

	res, err := tool.Call(context.Background(), nil)
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, []string{"products", "users"}, m["tables"])
	assert.Equal(t, 2, m["count"])
}

func TestDescribeTable(t *testing.T) {
	tool := &describeTool{db: openTestDB(t)}

	res, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{"table": "users"}))
	require.NoError(t, err)

	m := res.(map[string]any)
	assert.Equal(t, "users", m["table"])
	columns := m["columns"].([]tableColumn)
	require.Len(t, columns, 5)

	byName := make(map[string]tableColumn, len(columns))
	for _, col := range columns {
		byName[col.Name] = col
	}
	assert.True(t, byName["id"].PrimaryKey)
	assert.True(t, byName["email"].NotNull)
	assert.False(t, byName["age"].NotNull)
	assert.Equal(t, "INTEGER", byName["age"].Type)
	assert.Equal(t, "CURRENT_TIMESTAMP", byName["created_at"].Default)
}

func TestDescribeTableUnknown(t *testing.T) {
	tool := &describeTool{db: openTestDB(t)}

	_, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{"table": "ghosts"}))
	var failure *services.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "not_found", failure.Kind)
}

func TestDescribeTableRejectsBadIdentifier(t *testing.T) {
	tool := &describeTool{db: openTestDB(t)}

	for _, table := range []string{"users; DROP TABLE users", "users--", "us ers"} {
		_, err := tool.Call(context.Background(), marshalArgs(t, map[string]any{"table": table}))
		var failure *services.Failure
		require.ErrorAs(t, err, &failure, "table %q must be rejected", table)
		assert.Equal(t, protocol.KindBadRequest, failure.Kind)
	}
}

func TestNewRequiresHandle(t *testing.T) {
	_, err := New("", nil, nil)
	require.Error(t, err)
}

func TestNewAdvertisesTools(t *testing.T) {
	db, err := sql.Open("libsql", "file:"+filepath.Join(t.TempDir(), "idle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	server, err := New("", db, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, server.Name())

	schemas := server.Tools()
	require.Len(t, schemas, 3)
	assert.Equal(t, "execute_query", schemas[0].Name)
	assert.Equal(t, "list_tables", schemas[1].Name)
	assert.Equal(t, "describe_table", schemas[2].Name)
}
