// Package host composes the orchestration layers into one runnable facade:
// supervisor, registry, dispatcher, engine and journal wired from a single
// Config, plus the turn loop that carries an instruction to a final answer.
package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/config"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/dispatch"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/registry"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/session"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/supervisor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
)

// IterationLimitError reports an instruction that exhausted its
// decide/invoke rounds without producing a final answer. The transcript
// keeps every recorded turn; the next instruction starts fresh.
type IterationLimitError struct {
	Iterations int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("host: no final answer after %d tool rounds", e.Iterations)
}

// Host owns the full orchestration stack for one process: it starts and
// stops tool services, tracks conversations, and drives the decide/invoke
// loop against the configured provider.
type Host struct {
	cfg    *config.Config
	logger zerolog.Logger

	sup   *supervisor.Supervisor
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
	eng   *engine.Engine
	store ports.ConversationStore

	mu       sync.Mutex
	sessions map[string]*session.Session
	procs    map[string]*supervisor.ServerProcess
}

// New wires a host from configuration. The provider is the decision
// backend; db backs the conversation journal and may be nil when the store
// is disabled.
func New(cfg *config.Config, provider ports.Provider, db *sql.DB, logger zerolog.Logger) *Host {
	reg := registry.New(logger)
	factory := engine.NewFactory(cfg, db, logger)

	return &Host{
		cfg:    cfg,
		logger: logger.With().Str("component", "host").Logger(),
		sup: supervisor.New(supervisor.Options{
			HandshakeTimeout:   cfg.Supervisor.HandshakeTimeout,
			ShutdownGrace:      cfg.Supervisor.ShutdownGrace,
			Limits:             protocol.Limits{MaxLineBytes: cfg.Transport.MaxLineBytes},
			NotificationBuffer: cfg.Transport.NotificationBuffer,
			ClientName:         internal.DefaultAppName,
			ClientVersion:      internal.Version,
			Logger:             logger,
		}),
		reg: reg,
		disp: dispatch.New(reg, dispatch.Options{
			DefaultTimeout: cfg.Dispatch.DefaultCallTimeout,
			QueueDepth:     cfg.Dispatch.QueueDepth,
			Logger:         logger,
		}),
		eng:      factory.CreateEngine(provider, reg),
		store:    factory.CreateStore(),
		sessions: make(map[string]*session.Session),
		procs:    make(map[string]*supervisor.ServerProcess),
	}
}

// StartServices launches every spec concurrently. Failures are collected
// into the joined error, one entry per service; healthy siblings stay
// registered and usable regardless.
func (h *Host) StartServices(ctx context.Context, specs []supervisor.ServiceSpec) error {
	p := pool.New().WithContext(ctx)
	for _, spec := range specs {
		p.Go(func(ctx context.Context) error {
			return h.StartService(ctx, spec)
		})
	}
	return p.Wait()
}

// StartService launches one service, discovers its tools and opens its
// dispatch lane. On any failure the child is already reaped; the returned
// error says which stage refused it.
func (h *Host) StartService(ctx context.Context, spec supervisor.ServiceSpec) error {
	proc, err := h.sup.Start(ctx, spec)
	if err != nil {
		return err
	}
	if _, err := h.reg.Discover(ctx, spec.Name, proc.Channel()); err != nil {
		_ = h.sup.Stop(ctx, proc)
		return fmt.Errorf("discover %s: %w", spec.Name, err)
	}
	h.disp.Register(spec.Name, proc.Channel(), proc.Info().Concurrent)

	h.mu.Lock()
	h.procs[spec.Name] = proc
	h.mu.Unlock()

	go h.reapOnExit(proc)
	go h.logNotifications(spec.Name, proc.Channel())
	return nil
}

// AttachService registers an in-process peer that already speaks the wire
// protocol over ch. Discovery runs exactly as for a spawned service;
// lifecycle stays with the caller.
func (h *Host) AttachService(ctx context.Context, name string, ch *transport.Channel, concurrent bool) error {
	if _, err := h.reg.Discover(ctx, name, ch); err != nil {
		return fmt.Errorf("discover %s: %w", name, err)
	}
	h.disp.Register(name, ch, concurrent)
	go h.logNotifications(name, ch)
	return nil
}

// StopService tears down one running service and forgets its tools. Unknown
// names are a no-op.
func (h *Host) StopService(ctx context.Context, name string) error {
	h.mu.Lock()
	proc := h.procs[name]
	delete(h.procs, name)
	h.mu.Unlock()
	if proc == nil {
		return nil
	}
	h.reg.Forget(name)
	h.disp.Unregister(name)
	return h.sup.Stop(ctx, proc)
}

// StopAll tears down every running service in parallel. Each lane is
// deregistered before its process is stopped so no new submissions race the
// shutdown.
func (h *Host) StopAll(ctx context.Context) error {
	h.mu.Lock()
	procs := make([]*supervisor.ServerProcess, 0, len(h.procs))
	for _, proc := range h.procs {
		procs = append(procs, proc)
	}
	h.procs = make(map[string]*supervisor.ServerProcess)
	h.mu.Unlock()

	p := pool.New().WithContext(ctx)
	for _, proc := range procs {
		p.Go(func(ctx context.Context) error {
			h.reg.Forget(proc.Name())
			h.disp.Unregister(proc.Name())
			return h.sup.Stop(ctx, proc)
		})
	}
	return p.Wait()
}

// reapOnExit deregisters a process when it dies on its own. A process the
// host already replaced or stopped is someone else's record; leave it be.
func (h *Host) reapOnExit(proc *supervisor.ServerProcess) {
	<-proc.Exited()

	h.mu.Lock()
	stale := h.procs[proc.Name()] != proc
	if !stale {
		delete(h.procs, proc.Name())
	}
	h.mu.Unlock()
	if stale {
		return
	}

	h.reg.Forget(proc.Name())
	h.disp.Unregister(proc.Name())
	h.logger.Warn().
		Str("service", proc.Name()).
		Stringer("state", proc.State()).
		Msg("service exited, tools withdrawn")
}

// logNotifications surfaces a service's id-less messages in the host log
// until its channel shuts down. Notifications are best-effort; whatever is
// still queued at shutdown is dropped.
func (h *Host) logNotifications(service string, ch *transport.Channel) {
	for {
		select {
		case note := <-ch.Notifications():
			h.logNotification(service, note)
		case <-ch.Done():
			return
		}
	}
}

func (h *Host) logNotification(service string, note protocol.Notification) {
	if note.Method != protocol.MethodLog {
		h.logger.Debug().Str("service", service).Str("method", note.Method).Msg("notification")
		return
	}
	var entry struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(note.Params, &entry); err != nil || entry.Message == "" {
		h.logger.Info().Str("service", service).Str("params", string(note.Params)).Msg("service log")
		return
	}
	ev := h.logger.Info()
	if entry.Level == "warn" || entry.Level == "error" {
		ev = h.logger.Warn()
	}
	ev.Str("service", service).Msg(entry.Message)
}

// Session returns the session for id, creating it on first use. An empty id
// always creates a fresh session under a generated identifier. New sessions
// hydrate their journal tail when the store is enabled, so a conversation
// can resume across host restarts.
func (h *Host) Session(ctx context.Context, id string) *session.Session {
	if id != "" {
		h.mu.Lock()
		if sess, ok := h.sessions[id]; ok {
			h.mu.Unlock()
			return sess
		}
		h.mu.Unlock()
	}

	sess := session.New(id, h.store, h.logger)
	if id != "" && h.cfg.Store.Enabled {
		if err := sess.Hydrate(ctx, h.cfg.Store.HistoryLimit); err != nil {
			h.logger.Warn().Err(err).Str("session_id", sess.ID()).Msg("session hydrate failed")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.sessions[sess.ID()]; ok {
		return existing
	}
	h.sessions[sess.ID()] = sess
	return sess
}

// RunTurn drives one instruction to completion: append it to the session,
// then decide and invoke until the engine produces a final answer or the
// iteration ceiling is hit. Failed invocations are recorded as result turns
// and fed back to the model rather than aborting the turn. A DecisionError
// returns a clarification request alongside the error so callers can still
// show the user something; the session stays usable either way.
func (h *Host) RunTurn(ctx context.Context, sessionID, instruction string) (string, error) {
	sess := h.Session(ctx, sessionID)
	log := h.logger.With().Str("session_id", sess.ID()).Logger()

	if err := sess.Append(ctx, ports.Turn{Role: ports.RoleInstruction, Content: instruction}); err != nil {
		log.Warn().Err(err).Msg("turn not journaled")
	}

	maxIterations := h.eng.Policy().MaxIterations
	for i := 0; i < maxIterations; i++ {
		log.Debug().Stringer("state", engine.StateDeciding).Int("round", i+1).Msg("turn state")
		decision, err := h.eng.Decide(ctx, sess.History(), h.reg.Catalog())
		if err != nil {
			var derr *engine.DecisionError
			if errors.As(err, &derr) {
				log.Warn().Stringer("state", engine.StateFailed).
					Int("attempts", derr.Attempts).
					Str("reason", derr.LastReason).
					Msg("no usable decision")
				clarification := fmt.Sprintf(
					"I could not settle on a next step (%s). Please rephrase or narrow the instruction.",
					derr.LastReason)
				if aerr := sess.Append(ctx, ports.Turn{Role: ports.RoleSystem, Content: clarification}); aerr != nil {
					log.Warn().Err(aerr).Msg("turn not journaled")
				}
				return clarification, err
			}
			return "", err
		}

		if decision.IsFinal() {
			log.Debug().Stringer("state", engine.StateAnswering).Int("rounds", i+1).Msg("turn state")
			if err := sess.Append(ctx, ports.Turn{Role: ports.RoleDecision, Content: decision.Answer}); err != nil {
				log.Warn().Err(err).Msg("turn not journaled")
			}
			return decision.Answer, nil
		}

		inv := *decision.Invocation
		log.Debug().Stringer("state", engine.StateInvoking).Str("tool", inv.Qualified()).Msg("turn state")
		if err := sess.Append(ctx, ports.Turn{Role: ports.RoleDecision, Content: inv.Rationale, Invocation: decision.Invocation}); err != nil {
			log.Warn().Err(err).Msg("turn not journaled")
		}

		payload, callErr := h.disp.Submit(ctx, inv, 0)
		if callErr != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if callErr != nil {
			log.Warn().Str("tool", inv.Qualified()).Err(callErr).Msg("invocation failed")
		}
		if err := sess.Append(ctx, ports.Turn{Role: ports.RoleResult, Content: renderResult(inv, payload, callErr)}); err != nil {
			log.Warn().Err(err).Msg("turn not journaled")
		}
	}

	log.Warn().Int("rounds", maxIterations).Msg("turn iteration ceiling hit")
	return "", &IterationLimitError{Iterations: maxIterations}
}

// renderResult folds a call outcome into transcript text the model reads on
// the next round. Errors become plain sentences; payloads stay JSON.
func renderResult(inv ports.Invocation, payload json.RawMessage, err error) string {
	if err != nil {
		return fmt.Sprintf("Call %s failed: %v", inv.Qualified(), err)
	}
	if len(payload) == 0 {
		return "null"
	}
	return string(payload)
}

// WatchManifest hot-watches the manifest at path and starts services that
// appear in it. Entries that changed or disappeared are logged only: a
// running service is never restarted or stopped implicitly.
func (h *Host) WatchManifest(ctx context.Context, path string) error {
	watcher, err := supervisor.NewManifestWatcher(path, h.logger)
	if err != nil {
		return err
	}
	go watcher.Run(ctx)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-watcher.Events():
				h.reloadManifest(ctx, path)
			}
		}
	}()
	return nil
}

func (h *Host) reloadManifest(ctx context.Context, path string) {
	manifest, err := supervisor.LoadManifest(path)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Msg("manifest reload failed")
		return
	}

	h.mu.Lock()
	running := make(map[string]supervisor.ServiceSpec, len(h.procs))
	for name, proc := range h.procs {
		running[name] = proc.Spec()
	}
	h.mu.Unlock()

	var fresh []supervisor.ServiceSpec
	seen := make(map[string]struct{}, len(manifest.Services))
	for _, spec := range manifest.Services {
		seen[spec.Name] = struct{}{}
		current, ok := running[spec.Name]
		switch {
		case !ok:
			fresh = append(fresh, spec)
		case !reflect.DeepEqual(current, spec):
			h.logger.Info().Str("service", spec.Name).
				Msg("manifest entry changed, restart it explicitly to apply")
		}
	}
	for name := range running {
		if _, ok := seen[name]; !ok {
			h.logger.Info().Str("service", name).
				Msg("manifest entry removed, service left running")
		}
	}
	if len(fresh) == 0 {
		return
	}

	if err := h.StartServices(ctx, fresh); err != nil {
		h.logger.Warn().Err(err).Msg("manifest services failed to start")
	}
}

// Services returns the names of running supervised services, sorted.
func (h *Host) Services() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.procs))
	for name := range h.procs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog returns the discovered tools across all registered services.
func (h *Host) Catalog() []registry.CatalogEntry { return h.reg.Catalog() }

// Metrics exposes the dispatcher's call collector.
func (h *Host) Metrics() *dispatch.CallMetrics { return h.disp.Metrics() }
