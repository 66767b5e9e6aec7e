package engine

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/config"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/adapters"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
)

// Factory creates engine components from configuration, with no-op
// fallbacks for everything optional.
type Factory struct {
	cfg    *config.Config
	db     *sql.DB
	logger zerolog.Logger
}

// NewFactory creates a component factory. db may be nil when the journal
// is disabled.
func NewFactory(cfg *config.Config, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, db: db, logger: logger}
}

// CreateCache returns the decision cache, or a no-op when disabled.
func (f *Factory) CreateCache() ports.Cache {
	ec := f.cfg.Engine
	if !ec.CacheEnabled {
		return noOpCache{}
	}
	return adapters.NewLRUCache(ec.CacheCapacity, ec.CacheTTLSeconds)
}

// CreateRateLimiter returns the provider rate limiter, or a no-op when
// disabled.
func (f *Factory) CreateRateLimiter() ports.RateLimiter {
	ec := f.cfg.Engine
	if !ec.RateLimitEnabled {
		return noOpRateLimiter{}
	}
	return adapters.NewTokenBucket(ec.RateLimitCapacity, ec.RateLimitRefillRate)
}

// CreateTracer returns the span tracer, or a no-op when disabled.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.Engine.EnableTracing {
		return noOpTracer{}
	}
	return adapters.NewLogTracer(f.logger)
}

// CreateStore returns the conversation journal, or a no-op when the store
// is disabled or no database handle was provided.
func (f *Factory) CreateStore() ports.ConversationStore {
	if !f.cfg.Store.Enabled || f.db == nil {
		return noOpStore{}
	}
	return adapters.NewJournal(f.db, f.logger)
}

// CreatePolicy builds the decision policy, clamping out-of-range values.
func (f *Factory) CreatePolicy() *Policy {
	policy := DefaultPolicy()
	ec := f.cfg.Engine
	pc := f.cfg.Provider

	retries := ec.MaxRetries
	if retries < 0 || retries > 5 {
		clamped := min(max(retries, 0), 5)
		f.logger.Warn().Int("configured", retries).Int("clamped", clamped).
			Msg("engine.max_retries out of range")
		retries = clamped
	}
	policy.MaxRetries = retries

	iterations := ec.MaxTurnIterations
	if iterations < 1 || iterations > 50 {
		clamped := min(max(iterations, 1), 50)
		f.logger.Warn().Int("configured", iterations).Int("clamped", clamped).
			Msg("engine.max_turn_iterations out of range")
		iterations = clamped
	}
	policy.MaxIterations = iterations
	policy.RequireJSON = ec.RequireJSON

	if pc.MaxNewTokens > 0 {
		policy.MaxNewTokens = pc.MaxNewTokens
	}
	if pc.Temperature > 0 {
		policy.Temperature = pc.Temperature
	}
	if pc.TopP > 0 {
		policy.TopP = pc.TopP
	}
	return policy
}

// CreateBuilder builds the prompt builder from the history limits.
func (f *Factory) CreateBuilder() *PromptBuilder {
	ec := f.cfg.Engine
	return NewPromptBuilder(ec.SystemPrompt, ec.HistoryWindow, ec.HistoryTokens)
}

// CreateEngine assembles a ready-to-use engine around the given provider
// and registry.
func (f *Factory) CreateEngine(provider ports.Provider, reg *registry.Registry) *Engine {
	return New(
		provider,
		reg,
		f.CreateBuilder(),
		f.CreateCache(),
		f.CreateRateLimiter(),
		f.CreateTracer(),
		f.CreatePolicy(),
		f.logger,
	)
}

// No-op fallbacks keep the engine's hot path free of nil checks.

type noOpCache struct{}

func (noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (noOpCache) Delete(ctx context.Context, key string) error { return nil }

type noOpRateLimiter struct{}

func (noOpRateLimiter) Acquire(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

type noOpTracer struct{}

func (noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

type noOpStore struct{}

func (noOpStore) SaveTurn(ctx context.Context, sessionID string, turn ports.Turn) error {
	return nil
}
func (noOpStore) LoadContext(ctx context.Context, sessionID string, k int) ([]ports.Turn, error) {
	return nil, nil
}

var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
