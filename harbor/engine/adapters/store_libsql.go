package adapters

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenJournal opens the libsql journal database and brings its schema up
// to date with the embedded migrations.
func OpenJournal(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal %q: %w", dsn, err)
	}
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return db, nil
}

// Journal is the libsql-backed conversation store. Rows are append-only;
// seq gives a total order per session.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewJournal wraps an open journal database.
func NewJournal(db *sql.DB, logger zerolog.Logger) *Journal {
	return &Journal{db: db, logger: logger.With().Str("component", "journal").Logger()}
}

// SaveTurn appends one turn to the session's transcript.
func (j *Journal) SaveTurn(ctx context.Context, sessionID string, turn ports.Turn) error {
	var invocation sql.NullString
	if turn.Invocation != nil {
		raw, err := json.Marshal(turn.Invocation)
		if err != nil {
			return fmt.Errorf("marshal invocation: %w", err)
		}
		invocation = sql.NullString{String: string(raw), Valid: true}
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const query = `
		INSERT INTO turns (session_id, role, content, invocation, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query,
		sessionID, turn.Role, turn.Content, invocation,
		createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// LoadContext returns the last k turns of the session, oldest first.
func (j *Journal) LoadContext(ctx context.Context, sessionID string, k int) ([]ports.Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	const query = `
		SELECT role, content, invocation, created_at FROM turns
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, sessionID, k)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	defer rows.Close()

	var turns []ports.Turn
	for rows.Next() {
		var (
			turn       ports.Turn
			invocation sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&turn.Role, &turn.Content, &invocation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if invocation.Valid {
			var inv ports.Invocation
			if err := json.Unmarshal([]byte(invocation.String), &inv); err != nil {
				j.logger.Warn().Err(err).Str("session", sessionID).
					Msg("journal row has unreadable invocation, keeping text only")
			} else {
				turn.Invocation = &inv
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			turn.CreatedAt = ts
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	// Rows came newest-first; callers want chronological order.
	for lo, hi := 0, len(turns)-1; lo < hi; lo, hi = lo+1, hi-1 {
		turns[lo], turns[hi] = turns[hi], turns[lo]
	}
	return turns, nil
}

var _ ports.ConversationStore = (*Journal)(nil)
