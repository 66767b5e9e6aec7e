// Package registry tracks which tools each service exposes. Discovery
// replaces a service's tool set atomically; lookups and catalog walks are
// cheap and safe from any goroutine.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
	radix "github.com/armon/go-radix"
	"github.com/rs/zerolog"
)

// ErrToolNotFound reports a lookup for a tool or service the registry does
// not know.
var ErrToolNotFound = errors.New("registry: tool not found")

// DiscoveryError reports a failed or rejected tools/list exchange.
type DiscoveryError struct {
	Service string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %q: %v", e.Service, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// CatalogEntry pairs a tool schema with the service that owns it.
type CatalogEntry struct {
	Service string
	Schema  protocol.ToolSchema
}

// Qualified returns the "service/tool" name used in prompts.
func (c CatalogEntry) Qualified() string {
	return c.Service + "/" + c.Schema.Name
}

type toolEntry struct {
	schema protocol.ToolSchema
	args   *protocol.ArgSchema
}

// serviceEntry is an immutable snapshot of one service's tool set. Replacing
// the whole value in the tree is what makes re-discovery atomic.
type serviceEntry struct {
	order  []string
	byName map[string]*toolEntry
}

// Registry maps service names to discovered tool sets. Services sit in a
// radix tree so catalog walks come out in stable lexicographic order.
type Registry struct {
	mu     sync.RWMutex
	tree   *radix.Tree
	logger zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		tree:   radix.New(),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Discover interrogates the service over ch and replaces its tool set with
// the response. The previous set stays untouched when discovery fails, so a
// flaky re-discovery never leaves a half-known service. Idempotent: the same
// response produces the same catalog.
func (r *Registry) Discover(ctx context.Context, service string, ch *transport.Channel) ([]protocol.ToolSchema, error) {
	resp, err := ch.Call(ctx, protocol.MethodListTools, nil)
	if err != nil {
		return nil, &DiscoveryError{Service: service, Err: err}
	}
	if resp.Error != nil {
		return nil, &DiscoveryError{
			Service: service,
			Err:     fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message),
		}
	}

	var listed protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &listed); err != nil {
		return nil, &DiscoveryError{Service: service, Err: fmt.Errorf("parse tools/list result: %w", err)}
	}

	entry := &serviceEntry{byName: make(map[string]*toolEntry, len(listed.Tools))}
	for _, schema := range listed.Tools {
		compiled, err := protocol.Compile(schema)
		if err != nil {
			return nil, &DiscoveryError{Service: service, Err: err}
		}
		if _, dup := entry.byName[schema.Name]; dup {
			return nil, &DiscoveryError{Service: service, Err: fmt.Errorf("duplicate tool %q", schema.Name)}
		}
		entry.order = append(entry.order, schema.Name)
		entry.byName[schema.Name] = &toolEntry{schema: schema, args: compiled}
	}

	r.mu.Lock()
	r.tree.Insert(service, entry)
	r.mu.Unlock()
	r.logger.Info().Str("service", service).Int("tools", len(listed.Tools)).Msg("discovery complete")
	return listed.Tools, nil
}

// Lookup returns the schema for one tool on one service.
func (r *Registry) Lookup(service, tool string) (protocol.ToolSchema, error) {
	entry, err := r.toolEntry(service, tool)
	if err != nil {
		return protocol.ToolSchema{}, err
	}
	return entry.schema, nil
}

// ArgsFor returns the compiled argument validator for one tool.
func (r *Registry) ArgsFor(service, tool string) (*protocol.ArgSchema, error) {
	entry, err := r.toolEntry(service, tool)
	if err != nil {
		return nil, err
	}
	return entry.args, nil
}

func (r *Registry) toolEntry(service, tool string) (*toolEntry, error) {
	r.mu.RLock()
	raw, ok := r.tree.Get(service)
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrToolNotFound, service)
	}
	entry, ok := raw.(*serviceEntry).byName[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, service, tool)
	}
	return entry, nil
}

// Resolve maps a possibly-unqualified tool name to its catalog entry. A
// "service/tool" form is looked up directly; a bare tool name resolves only
// when exactly one service provides it.
func (r *Registry) Resolve(name string) (CatalogEntry, error) {
	if service, tool, ok := splitQualified(name); ok {
		schema, err := r.Lookup(service, tool)
		if err != nil {
			return CatalogEntry{}, err
		}
		return CatalogEntry{Service: service, Schema: schema}, nil
	}

	var matches []CatalogEntry
	for _, ce := range r.Catalog() {
		if ce.Schema.Name == name {
			matches = append(matches, ce)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return CatalogEntry{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	default:
		return CatalogEntry{}, fmt.Errorf("%w: %q is ambiguous across %d services", ErrToolNotFound, name, len(matches))
	}
}

func splitQualified(name string) (service, tool string, ok bool) {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[:i], name[i+1:], name[:i] != "" && name[i+1:] != ""
		}
	}
	return "", "", false
}

// Catalog returns every known tool: services in lexicographic order, tools
// within a service in the order the service advertised them.
func (r *Registry) Catalog() []CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []CatalogEntry
	r.tree.Walk(func(service string, raw any) bool {
		entry := raw.(*serviceEntry)
		for _, name := range entry.order {
			out = append(out, CatalogEntry{Service: service, Schema: entry.byName[name].schema})
		}
		return false
	})
	return out
}

// Services returns the known service names in lexicographic order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	r.tree.Walk(func(service string, _ any) bool {
		out = append(out, service)
		return false
	})
	return out
}

// Forget drops a service and all its tools, typically after its process
// terminated.
func (r *Registry) Forget(service string) {
	r.mu.Lock()
	_, existed := r.tree.Delete(service)
	r.mu.Unlock()
	if existed {
		r.logger.Info().Str("service", service).Msg("service forgotten")
	}
}
