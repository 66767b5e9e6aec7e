package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State tracks a process through its lifecycle. There is no transition out
// of Failed or Terminated; recovery means starting a new process.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrHandshakeTimeout reports a process that spawned but never completed the
// initialize exchange in time.
var ErrHandshakeTimeout = errors.New("supervisor: handshake timed out")

// SpawnError reports a service that could not be brought to Ready.
type SpawnError struct {
	Service string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Service, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ServerProcess is one running (or finished) service instance.
type ServerProcess struct {
	id     string
	spec   ServiceSpec
	cmd    *exec.Cmd
	stdin  *os.File
	ch     *transport.Channel
	logger zerolog.Logger

	state   atomic.Int32
	info    protocol.InitializeResult
	exited  chan struct{}
	waitErr error // valid after exited is closed
}

// ID returns the unique identifier assigned at spawn.
func (p *ServerProcess) ID() string { return p.id }

// Name returns the service name from the spec.
func (p *ServerProcess) Name() string { return p.spec.Name }

// Spec returns the launch spec.
func (p *ServerProcess) Spec() ServiceSpec { return p.spec }

// Channel returns the process's transport channel. Valid once Ready.
func (p *ServerProcess) Channel() *transport.Channel { return p.ch }

// Info returns the service's handshake response. Valid once Ready.
func (p *ServerProcess) Info() protocol.InitializeResult { return p.info }

// State returns the current lifecycle state.
func (p *ServerProcess) State() State { return State(p.state.Load()) }

// Alive reports whether the OS process is still running and reached Ready.
func (p *ServerProcess) Alive() bool {
	if p.State() != StateReady {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the OS process has been reaped.
func (p *ServerProcess) Exited() <-chan struct{} { return p.exited }

func (p *ServerProcess) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Options configures a supervisor.
type Options struct {
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	Limits           protocol.Limits
	// NotificationBuffer is handed to each process channel; zero uses the
	// transport default.
	NotificationBuffer int
	ClientName         string
	ClientVersion      string
	Logger             zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.ClientName == "" {
		o.ClientName = "tool-harbor"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	return o
}

// Supervisor spawns and tears down service processes. Failures are isolated:
// one service dying never touches its siblings.
type Supervisor struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	procs map[string]*ServerProcess
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "supervisor").Logger(),
		procs:  make(map[string]*ServerProcess),
	}
}

// Start launches the service and blocks until it is Ready or has failed.
// ctx bounds the spawn and handshake only, not the process lifetime. On any
// failure the child is killed before returning; there is no implicit retry.
func (s *Supervisor) Start(ctx context.Context, spec ServiceSpec) (*ServerProcess, error) {
	if err := spec.Validate(); err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: err}
	}

	proc, err := s.spawn(spec)
	if err != nil {
		return nil, &SpawnError{Service: spec.Name, Err: err}
	}

	if err := s.handshake(ctx, proc); err != nil {
		proc.kill()
		return nil, err
	}

	proc.state.Store(int32(StateReady))
	s.mu.Lock()
	s.procs[proc.id] = proc
	s.mu.Unlock()
	s.logger.Info().
		Str("service", spec.Name).
		Str("proc_id", proc.id).
		Str("server", proc.info.Name).
		Str("version", proc.info.Version).
		Bool("concurrent", proc.info.Concurrent).
		Msg("service ready")
	return proc, nil
}

// spawn forks the child with explicit pipes so the channel reader sees true
// EOF when the child's descriptors close, independent of Wait.
func (s *Supervisor) spawn(spec ServiceSpec) (*ServerProcess, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = mergedEnv(spec.Env)

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	proc := &ServerProcess{
		id:     uuid.NewString(),
		spec:   spec,
		cmd:    cmd,
		stdin:  stdinW,
		exited: make(chan struct{}),
	}
	proc.logger = s.logger.With().Str("service", spec.Name).Str("proc_id", proc.id).Logger()
	proc.ch = transport.New(stdoutR, stdinW, transport.Options{
		Limits:             s.opts.Limits,
		NotificationBuffer: s.opts.NotificationBuffer,
		Logger:             proc.logger,
	})

	go drainStderr(stderrR, proc.logger)
	go func() {
		err := cmd.Wait()
		proc.waitErr = err
		// Unexpected death after Ready is a terminal transition; the
		// channel notices EOF on its own and resolves in-flight calls.
		proc.state.CompareAndSwap(int32(StateReady), int32(StateTerminated))
		close(proc.exited)
		ev := proc.logger.Debug()
		if err != nil {
			ev = proc.logger.Info().Err(err)
		}
		ev.Msg("process exited")
	}()
	return proc, nil
}

func (s *Supervisor) handshake(ctx context.Context, proc *ServerProcess) error {
	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	params, err := json.Marshal(protocol.InitializeParams{
		ClientName:    s.opts.ClientName,
		ClientVersion: s.opts.ClientVersion,
	})
	if err != nil {
		return &SpawnError{Service: proc.Name(), Err: err}
	}

	resCh, id, err := proc.ch.Send(protocol.MethodInitialize, params)
	if err != nil {
		proc.state.Store(int32(StateFailed))
		return &SpawnError{Service: proc.Name(), Err: err}
	}

	select {
	case res := <-resCh:
		if res.Err != nil {
			proc.state.Store(int32(StateFailed))
			return &SpawnError{Service: proc.Name(), Err: res.Err}
		}
		if res.Response.Error != nil {
			proc.state.Store(int32(StateFailed))
			return &SpawnError{
				Service: proc.Name(),
				Err:     fmt.Errorf("initialize rejected: %s", res.Response.Error.Message),
			}
		}
		if err := json.Unmarshal(res.Response.Result, &proc.info); err != nil {
			proc.state.Store(int32(StateFailed))
			return &SpawnError{Service: proc.Name(), Err: fmt.Errorf("initialize result: %w", err)}
		}
		return nil
	case <-proc.exited:
		proc.state.Store(int32(StateFailed))
		return &SpawnError{
			Service: proc.Name(),
			Err:     fmt.Errorf("process exited during handshake: %v", proc.waitErr),
		}
	case <-hctx.Done():
		proc.ch.Abandon(id)
		proc.state.Store(int32(StateFailed))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("service %q: %w", proc.Name(), ErrHandshakeTimeout)
	}
}

// Stop shuts a process down: closes its channel (force-resolving any
// in-flight calls), signals EOF on stdin, and escalates to kill after the
// grace period.
func (s *Supervisor) Stop(ctx context.Context, proc *ServerProcess) error {
	s.mu.Lock()
	delete(s.procs, proc.id)
	s.mu.Unlock()

	_ = proc.ch.Close()
	_ = proc.stdin.Close()

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-proc.exited:
	case <-grace.C:
		proc.logger.Warn().Msg("grace period elapsed, killing process")
		proc.kill()
		select {
		case <-proc.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		proc.kill()
		return ctx.Err()
	}

	proc.state.Store(int32(StateTerminated))
	proc.logger.Info().Msg("service stopped")
	return nil
}

// StopAll stops every tracked process, returning the joined errors.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, proc := range s.Processes() {
		if err := s.Stop(ctx, proc); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", proc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Processes returns a snapshot of tracked processes.
func (s *Supervisor) Processes() []*ServerProcess {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ServerProcess, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func drainStderr(r io.ReadCloser, logger zerolog.Logger) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 256*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			logger.Debug().Str("stream", "stderr").Msg(line)
		}
	}
	if err := sc.Err(); err != nil {
		logger.Debug().Err(err).Msg("stderr drain stopped")
		_, _ = io.Copy(io.Discard, r)
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
