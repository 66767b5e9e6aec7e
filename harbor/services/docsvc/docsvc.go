// Package docsvc is the document service: plain-text documents in one
// directory, tracked by a persisted JSON metadata index, with full-text
// search across their contents.
package docsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services"
)

// DefaultName is the handshake name used when none is configured.
const DefaultName = "documents"

const indexFile = "index.json"

// New builds the document service over dir, creating it if needed. The
// metadata index is loaded from dir, or rebuilt from the documents found
// there when missing or unreadable.
func New(name, dir string, logger *slog.Logger) (*services.Server, error) {
	if name == "" {
		name = DefaultName
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("docsvc: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("docsvc: create dir: %w", err)
	}
	s := &store{dir: abs}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return services.NewServer(name, internal.Version, services.ServerOptions{Logger: logger},
		&createTool{store: s},
		&readTool{store: s},
		&listTool{store: s},
		&appendTool{store: s},
		&searchTool{store: s},
		&deleteTool{store: s},
	)
}

// docInfo is one document's entry in the metadata index.
type docInfo struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Size      int64     `json:"size"`
}

// store owns the document directory and its index. The runtime dispatches
// tool calls on separate goroutines, so every operation takes the lock.
type store struct {
	dir   string
	mu    sync.Mutex
	index map[string]docInfo
}

// loadIndex reads the persisted index, falling back to a rebuild from the
// .txt files actually present.
func (s *store) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err == nil {
		index := make(map[string]docInfo)
		if err := json.Unmarshal(raw, &index); err == nil {
			s.index = index
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("docsvc: read index: %w", err)
	}
	return s.rebuildIndex()
}

func (s *store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("docsvc: scan dir: %w", err)
	}
	s.index = make(map[string]docInfo, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".txt")
		s.index[name] = docInfo{
			CreatedAt: info.ModTime(),
			UpdatedAt: info.ModTime(),
			Size:      info.Size(),
		}
	}
	return s.saveIndexLocked()
}

// saveIndexLocked persists the index. Callers hold the lock, except during
// construction when no tools are running yet.
func (s *store) saveIndexLocked() error {
	raw, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("docsvc: encode index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, indexFile), raw, 0o644); err != nil {
		return fmt.Errorf("docsvc: write index: %w", err)
	}
	return nil
}

func (s *store) path(name string) string {
	return filepath.Join(s.dir, name+".txt")
}

// normalizeName strips the optional .txt suffix and rejects names that
// could leave the document directory.
func normalizeName(raw string) (string, error) {
	name := strings.TrimSuffix(strings.TrimSpace(raw), ".txt")
	if name == "" {
		return "", services.Failf(protocol.KindBadRequest, "name is required")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", services.Failf(protocol.KindBadRequest, "invalid document name %q", raw)
	}
	return name, nil
}

type createTool struct {
	store *store
}

func (t *createTool) Name() string { return "create_document" }

func (t *createTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "create_document",
		Description: "Create a new document with the given content",
		Parameters: []protocol.ParameterSpec{
			{Name: "name", Type: protocol.TypeString, Description: "Document name, .txt suffix optional", Required: true},
			{Name: "content", Type: protocol.TypeString, Description: "Initial content", Required: true},
		},
	}
}

func (t *createTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	name, err := normalizeName(params.Name)
	if err != nil {
		return nil, err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[name]; exists {
		return nil, services.Failf("already_exists", "document %q already exists, use append_to_document to extend it", name)
	}
	if err := os.WriteFile(s.path(name), []byte(params.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	now := time.Now().UTC()
	s.index[name] = docInfo{CreatedAt: now, UpdatedAt: now, Size: int64(len(params.Content))}
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	return map[string]any{
		"name": name,
		"size": len(params.Content),
	}, nil
}

type readTool struct {
	store *store
}

func (t *readTool) Name() string { return "read_document" }

func (t *readTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "read_document",
		Description: "Return a document's content",
		Parameters: []protocol.ParameterSpec{
			{Name: "name", Type: protocol.TypeString, Description: "Document name", Required: true},
		},
	}
}

func (t *readTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	name, err := normalizeName(params.Name)
	if err != nil {
		return nil, err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	info, exists := s.index[name]
	if !exists {
		return nil, services.Failf("not_found", "no document named %q", name)
	}
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return map[string]any{
		"name":       name,
		"content":    string(raw),
		"size":       len(raw),
		"updated_at": info.UpdatedAt,
	}, nil
}

type listTool struct {
	store *store
}

func (t *listTool) Name() string { return "list_documents" }

func (t *listTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "list_documents",
		Description: "List all documents with their sizes and timestamps",
		Parameters:  []protocol.ParameterSpec{},
	}
}

// docEntry is one row of a listing.
type docEntry struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *listTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]docEntry, 0, len(s.index))
	for name, info := range s.index {
		docs = append(docs, docEntry{
			Name:      name,
			Size:      info.Size,
			CreatedAt: info.CreatedAt,
			UpdatedAt: info.UpdatedAt,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return map[string]any{
		"documents": docs,
		"count":     len(docs),
	}, nil
}

type appendTool struct {
	store *store
}

func (t *appendTool) Name() string { return "append_to_document" }

func (t *appendTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "append_to_document",
		Description: "Append content to an existing document",
		Parameters: []protocol.ParameterSpec{
			{Name: "name", Type: protocol.TypeString, Description: "Document name", Required: true},
			{Name: "content", Type: protocol.TypeString, Description: "Content to append on a new line", Required: true},
		},
	}
}

func (t *appendTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	name, err := normalizeName(params.Name)
	if err != nil {
		return nil, err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	info, exists := s.index[name]
	if !exists {
		return nil, services.Failf("not_found", "no document named %q, use create_document first", name)
	}
	raw, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	joined := string(raw)
	if len(joined) > 0 {
		joined += "\n"
	}
	joined += params.Content
	if err := os.WriteFile(s.path(name), []byte(joined), 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	info.UpdatedAt = time.Now().UTC()
	info.Size = int64(len(joined))
	s.index[name] = info
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	return map[string]any{
		"name": name,
		"size": len(joined),
	}, nil
}

type searchTool struct {
	store *store
}

func (t *searchTool) Name() string { return "search_documents" }

func (t *searchTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "search_documents",
		Description: "Search all documents for a text fragment, case-insensitive",
		Parameters: []protocol.ParameterSpec{
			{Name: "query", Type: protocol.TypeString, Description: "Text to search for", Required: true},
		},
	}
}

// searchHit is one matching document, ranked by occurrence count.
type searchHit struct {
	Name        string `json:"name"`
	Occurrences int    `json:"occurrences"`
}

func (t *searchTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	query := strings.ToLower(strings.TrimSpace(params.Query))
	if query == "" {
		return nil, services.Failf(protocol.KindBadRequest, "query is required")
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := make([]searchHit, 0, len(s.index))
	for name := range s.index {
		raw, err := os.ReadFile(s.path(name))
		if err != nil {
			continue
		}
		if n := strings.Count(strings.ToLower(string(raw)), query); n > 0 {
			hits = append(hits, searchHit{Name: name, Occurrences: n})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Occurrences != hits[j].Occurrences {
			return hits[i].Occurrences > hits[j].Occurrences
		}
		return hits[i].Name < hits[j].Name
	})
	return map[string]any{
		"query":   params.Query,
		"results": hits,
		"count":   len(hits),
	}, nil
}

type deleteTool struct {
	store *store
}

func (t *deleteTool) Name() string { return "delete_document" }

func (t *deleteTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "delete_document",
		Description: "Delete a document",
		Parameters: []protocol.ParameterSpec{
			{Name: "name", Type: protocol.TypeString, Description: "Document name", Required: true},
		},
	}
}

func (t *deleteTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	name, err := normalizeName(params.Name)
	if err != nil {
		return nil, err
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[name]; !exists {
		return nil, services.Failf("not_found", "no document named %q", name)
	}
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	delete(s.index, name)
	if err := s.saveIndexLocked(); err != nil {
		return nil, err
	}
	return map[string]any{
		"name":    name,
		"deleted": true,
	}, nil
}

var (
	_ services.Tool = (*createTool)(nil)
	_ services.Tool = (*readTool)(nil)
	_ services.Tool = (*listTool)(nil)
	_ services.Tool = (*appendTool)(nil)
	_ services.Tool = (*searchTool)(nil)
	_ services.Tool = (*deleteTool)(nil)
)
