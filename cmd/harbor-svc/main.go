// Command harbor-svc serves one of the bundled tool services over stdio.
// The host spawns it from a manifest entry; stdout carries the protocol,
// logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	internal "github.com/ZanzyTHEbar/tool-harbor/harbor"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services/dbsvc"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services/docsvc"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services/filesvc"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		kind     string
		name     string
		root     string
		dsn      string
		dir      string
		logLevel string
		version  bool
	)
	fs := flag.NewFlagSet("harbor-svc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&kind, "kind", "", "Service to run: file, db, or doc (required)")
	fs.StringVar(&name, "name", "", "Override the advertised service name")
	fs.StringVar(&root, "root", ".", "Workspace root for the file service")
	fs.StringVar(&dsn, "dsn", "file:harbor_demo.db", "libsql DSN for the db service")
	fs.StringVar(&dir, "dir", "documents", "Document directory for the doc service")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&version, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if version {
		fmt.Fprintf(stdout, "harbor-svc %s\n", internal.Version)
		return 0
	}

	logger := newLogger(stderr, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, cleanup, err := buildServer(ctx, kind, name, root, dsn, dir, logger)
	if err != nil {
		logger.Error("service setup failed", "kind", kind, "err", err)
		return 1
	}
	defer cleanup()

	logger.Info("service ready", "name", server.Name(), "version", internal.Version)
	if err := server.ServeStdio(ctx); err != nil {
		logger.Error("serve failed", "err", err)
		return 1
	}
	return 0
}

// buildServer assembles the requested service and a cleanup for whatever it
// opened.
func buildServer(ctx context.Context, kind, name, root, dsn, dir string, logger *slog.Logger) (*services.Server, func(), error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "file":
		server, err := filesvc.New(name, root, logger)
		return server, func() {}, err
	case "db":
		db, err := dbsvc.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := dbsvc.Seed(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		server, err := dbsvc.New(name, db, logger)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return server, func() { _ = db.Close() }, nil
	case "doc":
		server, err := docsvc.New(name, dir, logger)
		return server, func() {}, err
	default:
		return nil, nil, fmt.Errorf("unknown service kind %q (want file, db, or doc)", kind)
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}
