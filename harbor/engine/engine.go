package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
)

// State names the phases of one instruction's lifecycle. The host drives
// the transitions; the engine only produces decisions.
type State int

const (
	StateAwaitingInstruction State = iota
	StateDeciding
	StateInvoking
	StateAnswering
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingInstruction:
		return "awaiting_instruction"
	case StateDeciding:
		return "deciding"
	case StateInvoking:
		return "invoking"
	case StateAnswering:
		return "answering"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy bounds a decision loop.
type Policy struct {
	// MaxRetries is how many times an invalid reply is retried with a
	// corrective note before the decision fails.
	MaxRetries int
	// MaxIterations caps decide/invoke rounds for a single instruction.
	MaxIterations int
	// RetryBackoff is the pause before each retry attempt.
	RetryBackoff time.Duration
	// MaxNewTokens, Temperature and TopP are passed through to the provider.
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	// Deterministic pins the provider seed for reproducible runs.
	Deterministic bool
	// RequireJSON rejects prose replies: only a decision envelope or a
	// recognized tool-call form counts, anything else retries.
	RequireJSON bool
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:    2,
		MaxIterations: 8,
		RetryBackoff:  100 * time.Millisecond,
		MaxNewTokens:  1024,
		Temperature:   0.2,
		TopP:          0.9,
	}
}

// Decision is the outcome of one decide round: a final answer or a vetted
// invocation, never both.
type Decision struct {
	Answer     string
	Invocation *ports.Invocation
	Usage      *ports.Usage
}

// IsFinal reports whether the decision ends the instruction.
func (d Decision) IsFinal() bool { return d.Invocation == nil }

// DecisionError reports that the model produced no usable decision within
// the retry budget. The session remains usable.
type DecisionError struct {
	Attempts   int
	LastReason string
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("no valid decision after %d attempts: %s", e.Attempts, e.LastReason)
}

// Engine turns an instruction plus transcript into the next decision. It
// owns prompting, parsing, validation and the retry loop; it never talks
// to services itself.
type Engine struct {
	provider ports.Provider
	reg      *registry.Registry
	builder  *PromptBuilder
	parser   *OutputParser
	guards   *Guardrails
	cache    ports.Cache
	limiter  ports.RateLimiter
	tracer   ports.Tracer
	policy   *Policy
	logger   zerolog.Logger
}

// New creates an engine. Nil cache, limiter or tracer fall back to no-ops;
// a nil policy falls back to DefaultPolicy.
func New(provider ports.Provider, reg *registry.Registry, builder *PromptBuilder, cache ports.Cache, limiter ports.RateLimiter, tracer ports.Tracer, policy *Policy, logger zerolog.Logger) *Engine {
	if cache == nil {
		cache = noOpCache{}
	}
	if limiter == nil {
		limiter = noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = noOpTracer{}
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{
		provider: provider,
		reg:      reg,
		builder:  builder,
		parser:   NewOutputParser(),
		guards:   NewGuardrails(reg),
		cache:    cache,
		limiter:  limiter,
		tracer:   tracer,
		policy:   policy,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// Policy returns the engine's active policy.
func (e *Engine) Policy() *Policy { return e.policy }

// Decide produces the next decision for the conversation. The history must
// end with the instruction turn being worked on. Invalid replies are
// retried with a corrective note up to MaxRetries times; after that a
// *DecisionError is returned. Provider transport failures are reported as
// ports.ErrProviderUnavailable without retrying here.
func (e *Engine) Decide(ctx context.Context, history []ports.Turn, catalog []registry.CatalogEntry) (Decision, error) {
	release, err := e.limiter.Acquire(ctx, "decide")
	if err != nil {
		return Decision{}, fmt.Errorf("engine: rate limit: %w", err)
	}
	defer release()

	ctx, finish := e.tracer.StartSpan(ctx, "engine.decide", map[string]any{
		"turns": len(history),
		"tools": len(catalog),
	})
	var decideErr error
	defer func() { finish(decideErr) }()

	cacheKey := e.cacheKey(history, catalog)
	if cached, ok := e.cache.Get(ctx, cacheKey); ok {
		if dec, ok := e.decodeCached(cached); ok {
			e.tracer.Event(ctx, "cache_hit", map[string]any{"key": cacheKey})
			return dec, nil
		}
	}

	failureNote := ""
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Debug().Int("attempt", attempt).Str("reason", failureNote).
				Msg("retrying decision with corrective note")
			select {
			case <-time.After(e.policy.RetryBackoff):
			case <-ctx.Done():
				decideErr = ctx.Err()
				return Decision{}, decideErr
			}
		}

		prompt := e.builder.BuildDecision(catalog, history, failureNote)
		completion, err := e.provider.Complete(ctx, prompt, e.completionOptions())
		if err != nil {
			if ctx.Err() != nil {
				decideErr = ctx.Err()
				return Decision{}, decideErr
			}
			if errors.Is(err, ports.ErrProviderUnavailable) {
				decideErr = err
			} else {
				decideErr = fmt.Errorf("%w: %v", ports.ErrProviderUnavailable, err)
			}
			return Decision{}, decideErr
		}

		dec, reason := e.interpret(completion)
		if reason == "" {
			e.cacheDecision(ctx, cacheKey, dec)
			return dec, nil
		}
		failureNote = reason
		e.tracer.Event(ctx, "decision_rejected", map[string]any{
			"attempt": attempt,
			"reason":  reason,
		})
	}

	decideErr = &DecisionError{Attempts: e.policy.MaxRetries + 1, LastReason: failureNote}
	return Decision{}, decideErr
}

// interpret turns one completion into a decision, or a rejection reason.
func (e *Engine) interpret(completion ports.Completion) (Decision, string) {
	calls := completion.ToolCalls
	rationale := ""

	if len(calls) == 0 {
		if pd, ok := e.parser.ParseDecision(completion.Text); ok {
			if pd.Call == nil {
				return Decision{
					Answer: e.guards.SanitizeOutput(pd.Answer),
					Usage:  completion.Usage,
				}, ""
			}
			calls = []ports.ToolCall{*pd.Call}
			rationale = pd.Rationale
		} else {
			calls = e.parser.ParseToolCalls(completion.Text)
		}
	}

	if len(calls) == 0 {
		text := strings.TrimSpace(completion.Text)
		if text == "" {
			return Decision{}, "the reply was empty"
		}
		if e.policy.RequireJSON {
			return Decision{}, "the reply was not a JSON decision envelope"
		}
		// Plain prose with no tool call reads as a final answer.
		return Decision{
			Answer: e.guards.SanitizeOutput(text),
			Usage:  completion.Usage,
		}, ""
	}

	if len(calls) > 1 {
		e.logger.Debug().Int("count", len(calls)).Msg("reply contained multiple tool calls, using the first")
	}
	inv, err := e.guards.ValidateCall(calls[0])
	if err != nil {
		return Decision{}, err.Error()
	}
	inv.Rationale = rationale
	return Decision{Invocation: &inv, Usage: completion.Usage}, ""
}

func (e *Engine) completionOptions() ports.Options {
	opts := ports.Options{
		MaxNewTokens: e.policy.MaxNewTokens,
		Temperature:  e.policy.Temperature,
		TopP:         e.policy.TopP,
	}
	if e.policy.Deterministic {
		opts.Seed = 42
		opts.Temperature = 0
	}
	return opts
}

// cacheKey fingerprints the decision inputs: the live instruction, the
// transcript length, and the catalog.
func (e *Engine) cacheKey(history []ports.Turn, catalog []registry.CatalogEntry) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString(history[len(history)-1].Content)
	}
	fmt.Fprintf(&sb, "|%d|", len(history))
	for _, entry := range catalog {
		sb.WriteString(entry.Qualified())
		sb.WriteByte(';')
	}
	return fmt.Sprintf("decide:%x", hashString(sb.String()))
}

// hashString is djb2, enough for cache bucketing.
func hashString(s string) uint64 {
	var h uint64 = 5381
	for _, c := range s {
		h = h*33 + uint64(c)
	}
	return h
}

type cachedDecision struct {
	Answer     string            `json:"answer,omitempty"`
	Invocation *ports.Invocation `json:"invocation,omitempty"`
}

func (e *Engine) cacheDecision(ctx context.Context, key string, dec Decision) {
	raw, err := json.Marshal(cachedDecision{Answer: dec.Answer, Invocation: dec.Invocation})
	if err != nil {
		return
	}
	// ttlSeconds 0 lets the cache apply its configured default.
	_ = e.cache.Set(ctx, key, raw, 0)
}

// decodeCached revalidates a cached decision against the live catalog, so
// entries that outlived a re-discovery are dropped instead of replayed.
func (e *Engine) decodeCached(cached []byte) (Decision, bool) {
	var cd cachedDecision
	if err := json.Unmarshal(cached, &cd); err != nil {
		return Decision{}, false
	}
	if cd.Invocation != nil {
		if _, err := e.reg.ArgsFor(cd.Invocation.Service, cd.Invocation.Tool); err != nil {
			return Decision{}, false
		}
	}
	return Decision{Answer: cd.Answer, Invocation: cd.Invocation}, true
}
