package ports

import "context"

// ConversationStore persists session transcripts. Implementations append
// turns in the order given and never rewrite history.
type ConversationStore interface {
	SaveTurn(ctx context.Context, sessionID string, turn Turn) error
	LoadContext(ctx context.Context, sessionID string, k int) ([]Turn, error) // last-k turns, oldest first
}
