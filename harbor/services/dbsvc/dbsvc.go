// Package dbsvc is the demo SQL service: read-only queries and schema
// inspection over a libsql database seeded with sample data.
package dbsvc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	_ "github.com/tursodatabase/go-libsql"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services"
)

// DefaultName is the handshake name used when none is configured.
const DefaultName = "database"

const (
	defaultMaxRows = 100
	hardMaxRows    = 1000
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open opens the service database.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbsvc: open %q: %w", dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbsvc: ping %q: %w", dsn, err)
	}
	return db, nil
}

// Seed creates the demo schema and inserts sample rows on first run.
// A database that already holds users is left untouched.
func Seed(ctx context.Context, db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			age INTEGER,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			price REAL NOT NULL,
			category TEXT,
			stock INTEGER DEFAULT 0
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dbsvc: create schema: %w", err)
		}
	}

	var users int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		return fmt.Errorf("dbsvc: count users: %w", err)
	}
	if users > 0 {
		return nil
	}

	seedUsers := []struct {
		name  string
		email string
		age   int
	}{
		{"Alice Johnson", "alice@example.com", 30},
		{"Bob Smith", "bob@example.com", 25},
		{"Charlie Brown", "charlie@example.com", 35},
	}
	for _, u := range seedUsers {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO users (name, email, age) VALUES (?, ?, ?)`,
			u.name, u.email, u.age); err != nil {
			return fmt.Errorf("dbsvc: seed users: %w", err)
		}
	}

	seedProducts := []struct {
		name     string
		price    float64
		category string
		stock    int
	}{
		{"Laptop", 999.99, "Electronics", 10},
		{"Mouse", 29.99, "Electronics", 50},
		{"Desk Chair", 199.99, "Furniture", 15},
	}
	for _, p := range seedProducts {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO products (name, price, category, stock) VALUES (?, ?, ?, ?)`,
			p.name, p.price, p.category, p.stock); err != nil {
			return fmt.Errorf("dbsvc: seed products: %w", err)
		}
	}
	return nil
}

// New builds the database service over an open connection. The caller owns
// the connection and closes it after the server stops.
func New(name string, db *sql.DB, logger *slog.Logger) (*services.Server, error) {
	if name == "" {
		name = DefaultName
	}
	if db == nil {
		return nil, errors.New("dbsvc: database handle required")
	}
	return services.NewServer(name, internal.Version, services.ServerOptions{Logger: logger},
		&queryTool{db: db},
		&listTablesTool{db: db},
		&describeTool{db: db},
	)
}

type queryTool struct {
	db *sql.DB
}

func (t *queryTool) Name() string { return "execute_query" }

func (t *queryTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "execute_query",
		Description: "Run a read-only SQL query (SELECT or WITH) and return the rows",
		Parameters: []protocol.ParameterSpec{
			{Name: "query", Type: protocol.TypeString, Description: "The SQL statement to run", Required: true},
			{Name: "max_rows", Type: protocol.TypeInteger, Description: "Row limit, default 100, max 1000"},
		},
	}
}

func (t *queryTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query   string `json:"query"`
		MaxRows int    `json:"max_rows"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	query := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(params.Query), ";"))
	if query == "" {
		return nil, services.Failf(protocol.KindBadRequest, "query is required")
	}
	head := strings.ToUpper(query)
	if !strings.HasPrefix(head, "SELECT") && !strings.HasPrefix(head, "WITH") {
		return nil, services.Failf(protocol.KindBadRequest, "only SELECT and WITH queries are allowed")
	}
	if strings.Contains(query, ";") {
		return nil, services.Failf(protocol.KindBadRequest, "multiple statements are not allowed")
	}
	limit := params.MaxRows
	if limit <= 0 {
		limit = defaultMaxRows
	}
	if limit > hardMaxRows {
		limit = hardMaxRows
	}

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	out := make([][]any, 0, limit)
	truncated := false
	for rows.Next() {
		if len(out) == limit {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			// Raw byte columns would JSON-encode as base64.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return map[string]any{
		"columns":   columns,
		"rows":      out,
		"row_count": len(out),
		"truncated": truncated,
	}, nil
}

type listTablesTool struct {
	db *sql.DB
}

func (t *listTablesTool) Name() string { return "list_tables" }

func (t *listTablesTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "list_tables",
		Description: "List the user tables in the database",
		Parameters:  []protocol.ParameterSpec{},
	}
}

func (t *listTablesTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return map[string]any{
		"tables": tables,
		"count":  len(tables),
	}, nil
}

// tableColumn is one row of a table description.
type tableColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
}

type describeTool struct {
	db *sql.DB
}

func (t *describeTool) Name() string { return "describe_table" }

func (t *describeTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "describe_table",
		Description: "Return the column definitions of a table",
		Parameters: []protocol.ParameterSpec{
			{Name: "table", Type: protocol.TypeString, Description: "Table name", Required: true},
		},
	}
}

func (t *describeTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	if params.Table == "" {
		return nil, services.Failf(protocol.KindBadRequest, "table is required")
	}
	// PRAGMA arguments cannot be bound, so the name is validated instead.
	if !identPattern.MatchString(params.Table) {
		return nil, services.Failf(protocol.KindBadRequest, "invalid table name %q", params.Table)
	}

	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, params.Table))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", params.Table, err)
	}
	defer rows.Close()

	columns := make([]tableColumn, 0, 8)
	for rows.Next() {
		var (
			cid     int
			col     tableColumn
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		col.NotNull = notNull != 0
		col.PrimaryKey = pk != 0
		if dflt.Valid {
			col.Default = dflt.String
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, services.Failf("not_found", "no table named %q", params.Table)
	}
	return map[string]any{
		"table":   params.Table,
		"columns": columns,
	}, nil
}

var (
	_ services.Tool = (*queryTool)(nil)
	_ services.Tool = (*listTablesTool)(nil)
	_ services.Tool = (*describeTool)(nil)
)
