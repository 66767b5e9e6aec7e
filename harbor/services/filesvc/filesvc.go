// Package filesvc is the file workspace service: root-jailed reads and
// writes, gitignore-aware directory listings, and a metadata tool that
// decodes EXIF headers from images.
package filesvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	ignore "github.com/sabhiram/go-gitignore"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/protocol"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services"
)

// DefaultName is the handshake name used when none is configured.
const DefaultName = "files"

const (
	// maxReadBytes bounds read_file; larger files are refused, not truncated.
	maxReadBytes = 1 << 20

	// Content limits for file_metadata, matching the advertised schema.
	defaultContentBytes = 8192
	maxContentBytes     = 1048576
)

// New builds the file service rooted at root. Every path argument is
// resolved inside root; traversal outside it is rejected.
func New(name, root string, logger *slog.Logger) (*services.Server, error) {
	if name == "" {
		name = DefaultName
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filesvc: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("filesvc: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filesvc: root %q is not a directory", abs)
	}
	j := &jail{root: abs}
	return services.NewServer(name, internal.Version, services.ServerOptions{Logger: logger},
		&readTool{jail: j},
		&writeTool{jail: j},
		&listTool{jail: j},
		&metadataTool{jail: j},
	)
}

// jail maps request paths into the service root. Absolute paths are
// reinterpreted as root-relative; anything still traversing upward after
// cleaning is rejected.
type jail struct {
	root string
}

func (j *jail) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", services.Failf(protocol.KindBadRequest, "path is required")
	}
	clean := filepath.Clean(strings.TrimPrefix(p, string(filepath.Separator)))
	if strings.Contains(clean, "..") {
		return "", services.Failf(protocol.KindBadRequest, "path %q escapes the workspace root", p)
	}
	return filepath.Join(j.root, clean), nil
}

// rel converts a resolved path back to the wire form reported in results,
// so host filesystem layout never leaks to the model.
func (j *jail) rel(abs string) string {
	r, err := filepath.Rel(j.root, abs)
	if err != nil {
		return filepath.Base(abs)
	}
	return r
}

// ignoreMatcher compiles the root .gitignore, if one exists. Compiled per
// call so edits to the file take effect without restarting the service.
func (j *jail) ignoreMatcher() *ignore.GitIgnore {
	m, err := ignore.CompileIgnoreFile(filepath.Join(j.root, ".gitignore"))
	if err != nil {
		return nil
	}
	return m
}

type readTool struct {
	jail *jail
}

func (t *readTool) Name() string { return "read_file" }

func (t *readTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "read_file",
		Description: "Read a file from the workspace and return its contents",
		Parameters: []protocol.ParameterSpec{
			{Name: "path", Type: protocol.TypeString, Description: "File path relative to the workspace root", Required: true},
		},
	}
}

func (t *readTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	full, err := t.jail.resolve(params.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Failf("not_found", "no file at %q", params.Path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, services.Failf(protocol.KindBadRequest, "%q is a directory, not a file", params.Path)
	}
	if info.Size() > maxReadBytes {
		return nil, services.Failf(protocol.KindBadRequest, "file %q is %d bytes, over the %d byte limit", params.Path, info.Size(), maxReadBytes)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":    t.jail.rel(full),
		"size":    len(raw),
		"content": string(raw),
	}, nil
}

type writeTool struct {
	jail *jail
}

func (t *writeTool) Name() string { return "write_file" }

func (t *writeTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "write_file",
		Description: "Write content to a workspace file, creating parent directories as needed",
		Parameters: []protocol.ParameterSpec{
			{Name: "path", Type: protocol.TypeString, Description: "File path relative to the workspace root", Required: true},
			{Name: "content", Type: protocol.TypeString, Description: "Full content to write", Required: true},
		},
	}
}

func (t *writeTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	full, err := t.jail.resolve(params.Path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return nil, services.Failf(protocol.KindBadRequest, "%q is a directory", params.Path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(params.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return map[string]any{
		"path":          t.jail.rel(full),
		"bytes_written": len(params.Content),
	}, nil
}

type listTool struct {
	jail *jail
}

func (t *listTool) Name() string { return "list_directory" }

func (t *listTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "list_directory",
		Description: "List a workspace directory, honoring the root .gitignore",
		Parameters: []protocol.ParameterSpec{
			{Name: "path", Type: protocol.TypeString, Description: "Directory path relative to the workspace root, default the root itself"},
			{Name: "include_hidden", Type: protocol.TypeBoolean, Description: "Include dotfiles"},
			{Name: "include_ignored", Type: protocol.TypeBoolean, Description: "Include entries matched by .gitignore"},
		},
	}
}

// listEntry is one row of a listing.
type listEntry struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (t *listTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path           string `json:"path"`
		IncludeHidden  bool   `json:"include_hidden"`
		IncludeIgnored bool   `json:"include_ignored"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	if params.Path == "" {
		params.Path = "."
	}
	full, err := t.jail.resolve(params.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Failf("not_found", "no directory at %q", params.Path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, services.Failf(protocol.KindBadRequest, "%q is not a directory", params.Path)
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	matcher := t.jail.ignoreMatcher()
	relDir := t.jail.rel(full)
	entries := make([]listEntry, 0, len(dirEntries))
	ignored := 0
	for _, entry := range dirEntries {
		name := entry.Name()
		if !params.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if matcher != nil && !params.IncludeIgnored {
			probe := name
			if relDir != "." {
				probe = filepath.Join(relDir, name)
			}
			if entry.IsDir() {
				// Trailing slash so directory patterns like "build/" match.
				probe += "/"
			}
			if matcher.MatchesPath(probe) {
				ignored++
				continue
			}
		}
		row := listEntry{Name: name, Type: "file"}
		if entry.IsDir() {
			row.Type = "directory"
		}
		if fi, err := entry.Info(); err == nil {
			row.Size = fi.Size()
			row.ModifiedAt = fi.ModTime()
		}
		entries = append(entries, row)
	}
	return map[string]any{
		"path":    relDir,
		"entries": entries,
		"total":   len(entries),
		"ignored": ignored,
	}, nil
}

// Metadata describes one file or directory. Children is populated for
// recursive directory queries; Exif only for images carrying a readable
// EXIF segment.
type Metadata struct {
	Path        string            `json:"path"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Size        int64             `json:"size"`
	Permissions string            `json:"permissions"`
	ModifiedAt  time.Time         `json:"modified_at"`
	IsHidden    bool              `json:"is_hidden"`
	Extension   string            `json:"extension,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	Contents    string            `json:"contents,omitempty"`
	Exif        map[string]string `json:"exif,omitempty"`
	Children    []Metadata        `json:"children,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type metadataTool struct {
	jail *jail
}

func (t *metadataTool) Name() string { return "file_metadata" }

func (t *metadataTool) Describe() protocol.ToolSchema {
	return protocol.ToolSchema{
		Name:        "file_metadata",
		Description: "Return size, mode, timestamps, MIME type and EXIF data for a file or directory",
		Parameters: []protocol.ParameterSpec{
			{Name: "path", Type: protocol.TypeString, Description: "Path relative to the workspace root", Required: true},
			{Name: "include_contents", Type: protocol.TypeBoolean, Description: "Inline contents of text files"},
			{Name: "max_content_size", Type: protocol.TypeInteger, Description: "Content byte limit, default 8192, max 1048576"},
			{Name: "recursive", Type: protocol.TypeBoolean, Description: "For directories, include child metadata one level deep"},
		},
	}
}

func (t *metadataTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		Path            string `json:"path"`
		IncludeContents bool   `json:"include_contents"`
		MaxContentSize  int    `json:"max_content_size"`
		Recursive       bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, services.Failf(protocol.KindBadRequest, "invalid arguments: %v", err)
	}
	if params.MaxContentSize <= 0 {
		params.MaxContentSize = defaultContentBytes
	}
	if params.MaxContentSize > maxContentBytes {
		params.MaxContentSize = maxContentBytes
	}
	full, err := t.jail.resolve(params.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return nil, services.Failf("not_found", "no file or directory at %q", params.Path)
		}
		return nil, err
	}
	return t.describe(full, params.IncludeContents, params.MaxContentSize, params.Recursive), nil
}

// describe collects metadata for one path. Errors on children are embedded
// in their entries so one unreadable file does not fail the whole listing.
func (t *metadataTool) describe(full string, includeContents bool, maxContentSize int, recursive bool) Metadata {
	info, err := os.Stat(full)
	if err != nil {
		return Metadata{Path: t.jail.rel(full), Name: filepath.Base(full), Error: err.Error()}
	}

	md := Metadata{
		Path:        t.jail.rel(full),
		Name:        info.Name(),
		Size:        info.Size(),
		Permissions: info.Mode().String(),
		ModifiedAt:  info.ModTime(),
		IsHidden:    strings.HasPrefix(info.Name(), "."),
	}

	if info.IsDir() {
		md.Type = "directory"
		if recursive {
			entries, err := os.ReadDir(full)
			if err != nil {
				md.Error = err.Error()
				return md
			}
			md.Children = make([]Metadata, 0, len(entries))
			for _, entry := range entries {
				md.Children = append(md.Children, t.describe(filepath.Join(full, entry.Name()), includeContents, maxContentSize, false))
			}
		}
		return md
	}

	md.Type = "file"
	md.Extension = strings.ToLower(filepath.Ext(full))
	if md.Extension != "" {
		md.MimeType = mimeType(md.Extension)
	}
	if includeContents && isTextFile(md.Extension) {
		content, err := readCapped(full, maxContentSize)
		if err != nil {
			md.Error = fmt.Sprintf("read contents: %v", err)
		} else {
			md.Contents = content
		}
	}
	if isImageFile(md.Extension) {
		md.Exif = exifFields(full)
	}
	return md
}

// readCapped reads a file that must fit within maxSize bytes.
func readCapped(full string, maxSize int) (string, error) {
	info, err := os.Stat(full)
	if err != nil {
		return "", err
	}
	if info.Size() > int64(maxSize) {
		return "", fmt.Errorf("file is %d bytes (limit %d)", info.Size(), maxSize)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// exifFields decodes the EXIF segment of an image. Any decode problem
// yields nil; missing EXIF is not an error worth surfacing.
func exifFields(full string) map[string]string {
	f, err := os.Open(full)
	if err != nil {
		return nil
	}
	defer f.Close()
	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}
	fields := make(map[string]string)
	for _, name := range []exif.FieldName{
		exif.Make,
		exif.Model,
		exif.Software,
		exif.DateTime,
		exif.PixelXDimension,
		exif.PixelYDimension,
		exif.ISOSpeedRatings,
		exif.FNumber,
		exif.ExposureTime,
		exif.FocalLength,
	} {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		fields[string(name)] = strings.Trim(tag.String(), `"`)
	}
	if lat, long, err := x.LatLong(); err == nil {
		fields["GPSLatitude"] = strconv.FormatFloat(lat, 'f', -1, 64)
		fields["GPSLongitude"] = strconv.FormatFloat(long, 'f', -1, 64)
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func isTextFile(ext string) bool {
	switch ext {
	case ".txt", ".md", ".go", ".py", ".js", ".ts", ".json", ".yaml", ".yml",
		".toml", ".xml", ".html", ".css", ".sh", ".sql", ".csv":
		return true
	}
	return false
}

func isImageFile(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

func mimeType(ext string) string {
	switch ext {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".xml":
		return "application/xml"
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".csv":
		return "text/csv"
	case ".go", ".py", ".sh", ".sql", ".toml":
		return "text/plain"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

var (
	_ services.Tool = (*readTool)(nil)
	_ services.Tool = (*writeTool)(nil)
	_ services.Tool = (*listTool)(nil)
	_ services.Tool = (*metadataTool)(nil)
)
