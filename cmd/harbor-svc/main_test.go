package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
)

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-version"}, &stdout, &stderr)

	assert.Equal(t, 0, code)
	assert.Equal(t, fmt.Sprintf("harbor-svc %s\n", internal.Version), stdout.String())
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-no-such-flag"}, &stdout, &stderr)

	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "no-such-flag")
}

func TestRunRequiresKind(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run(nil, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "want file, db, or doc")
}

func TestRunUnknownKind(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"-kind", "zip"}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	// The text handler escapes the quoted kind, so match the pieces.
	assert.Contains(t, stderr.String(), "unknown service kind")
	assert.Contains(t, stderr.String(), "zip")
}

func TestBuildServerFile(t *testing.T) {
	server, cleanup, err := buildServer(context.Background(), "file", "", t.TempDir(), "", "", nil)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "files", server.Name())
	assert.Len(t, server.Tools(), 4)
}

func TestBuildServerFileNameOverride(t *testing.T) {
	server, cleanup, err := buildServer(context.Background(), "file", "workspace", t.TempDir(), "", "", nil)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "workspace", server.Name())
}

func TestBuildServerKindNormalized(t *testing.T) {
	server, cleanup, err := buildServer(context.Background(), "  File ", "", t.TempDir(), "", "", nil)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "files", server.Name())
}

func TestBuildServerDoc(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "docs")

	server, cleanup, err := buildServer(context.Background(), "doc", "", "", "", dir, nil)
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, "documents", server.Name())
	assert.Len(t, server.Tools(), 6)
}

func TestBuildServerDB(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "svc.db")

	server, cleanup, err := buildServer(context.Background(), "db", "", "", dsn, "", nil)
	if err != nil {
		t.Skipf("libsql unavailable: %v", err)
	}
	defer cleanup()

	assert.Equal(t, "database", server.Name())
	assert.Len(t, server.Tools(), 3)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("quiet")
	logger.Warn("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewLoggerBadLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "shouting")

	logger.Debug("hidden")
	logger.Info("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}
