// Package services implements the server half of the wire contract: a
// runtime that answers initialize, tools/list, and tool calls over a byte
// stream pair, plus the concrete tool services shipped with the host.
//
// Logging goes through slog to stderr; stdout belongs to the protocol.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
)

// Tool is one callable unit exposed by a service.
type Tool interface {
	Name() string
	Describe() protocol.ToolSchema
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Failure is an error with an explicit wire kind. Tools return it when the
// default tool_error kind is too coarse.
type Failure struct {
	Kind    string
	Message string
}

func (f *Failure) Error() string { return f.Message }

// Failf builds a Failure with a formatted message.
func Failf(kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ServerOptions tunes the runtime.
type ServerOptions struct {
	// Concurrent is advertised in the handshake: it tells the host this
	// service tolerates interleaved calls and needs no FIFO ordering.
	Concurrent bool
	Limits     protocol.Limits
	Logger     *slog.Logger
}

// Server speaks the service side of the protocol for a fixed tool set.
type Server struct {
	name       string
	version    string
	concurrent bool
	limits     protocol.Limits
	logger     *slog.Logger
	tools      []Tool
	byName     map[string]Tool
}

// NewServer builds a server. Tool order is preserved; it is the order
// discovery reports.
func NewServer(name, version string, opts ServerOptions, tools ...Tool) (*Server, error) {
	if name == "" {
		return nil, errors.New("services: server name required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		name:       name,
		version:    version,
		concurrent: opts.Concurrent,
		limits:     opts.Limits,
		logger:     logger.With("service", name),
		byName:     make(map[string]Tool, len(tools)),
	}
	for _, tool := range tools {
		if err := tool.Describe().Validate(); err != nil {
			return nil, fmt.Errorf("services: %w", err)
		}
		if _, dup := s.byName[tool.Name()]; dup {
			return nil, fmt.Errorf("services: duplicate tool %q", tool.Name())
		}
		s.tools = append(s.tools, tool)
		s.byName[tool.Name()] = tool
	}
	return s, nil
}

// Name returns the server's handshake name.
func (s *Server) Name() string { return s.name }

// Tools returns the advertised schemas in registration order.
func (s *Server) Tools() []protocol.ToolSchema {
	out := make([]protocol.ToolSchema, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Describe())
	}
	return out
}

// ServeStdio runs the server over the process's standard streams.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve answers requests from r on w until r reaches EOF. Reserved methods
// are handled inline so handshake and discovery stay ordered; tool calls run
// in their own goroutines so one slow tool cannot starve the read loop.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := protocol.NewDecoder(r, s.limits)
	enc := protocol.NewEncoder(w)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		env, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedLine) {
				s.logger.Warn("skipping malformed line", "err", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("services: read: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch env.Kind() {
		case protocol.KindRequest:
			id := *env.ID
			switch env.Method {
			case protocol.MethodInitialize:
				if err := enc.WriteResult(id, protocol.InitializeResult{
					Name:       s.name,
					Version:    s.version,
					Concurrent: s.concurrent,
				}); err != nil {
					return err
				}
			case protocol.MethodListTools:
				if err := enc.WriteResult(id, protocol.ListToolsResult{Tools: s.Tools()}); err != nil {
					return err
				}
			default:
				inflight.Add(1)
				go func(id uint32, method string, params json.RawMessage) {
					defer inflight.Done()
					s.handle(ctx, enc, id, method, params)
				}(id, env.Method, env.Params)
			}
		case protocol.KindNotification:
			s.logger.Debug("notification received", "method", env.Method)
		default:
			s.logger.Warn("dropping unexpected message", "kind", env.Kind().String())
		}
	}
}

func (s *Server) handle(ctx context.Context, enc *protocol.Encoder, id uint32, method string, params json.RawMessage) {
	tool, ok := s.byName[method]
	if !ok {
		_ = enc.WriteError(id, protocol.KindToolNotFound, fmt.Sprintf("no tool named %q", method))
		return
	}
	result, err := tool.Call(ctx, params)
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			_ = enc.WriteError(id, failure.Kind, failure.Message)
		} else {
			_ = enc.WriteError(id, protocol.KindToolError, err.Error())
		}
		s.logger.Debug("tool call failed", "tool", method, "err", err)
		return
	}
	if err := enc.WriteResult(id, result); err != nil {
		s.logger.Warn("write result failed", "tool", method, "err", err)
	}
}
