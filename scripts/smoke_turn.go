//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/config"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/providers"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/host"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/services/filesvc"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/transport"
)

func smokeConfig() *config.Config {
	return &config.Config{
		Supervisor: config.SupervisorConfig{
			HandshakeTimeout: 10 * time.Second,
			ShutdownGrace:    3 * time.Second,
		},
		Transport: config.TransportConfig{MaxLineBytes: 1 << 20, NotificationBuffer: 8},
		Dispatch:  config.DispatchConfig{DefaultCallTimeout: 10 * time.Second, QueueDepth: 8, EnableMetrics: true},
		Engine: config.EngineConfig{
			MaxRetries:        1,
			MaxTurnIterations: 4,
			HistoryWindow:     16,
			HistoryTokens:     8000,
		},
		Provider: config.ProviderConfig{Kind: "stub"},
		Store:    config.StoreConfig{Enabled: false},
	}
}

// RunSmokeTurn drives one scripted decision loop against an attached file
// service and reports the dispatcher counters.
func RunSmokeTurn() {
	fmt.Println("Smoke test: decision loop")

	root, err := os.MkdirTemp("", "harbor-smoke-turn")
	must(err, "temp root")
	defer os.RemoveAll(root)
	must(os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644), "seed file")

	provider := providers.NewStubProvider(
		`{"tool": "files/read_file", "args": {"path": "notes.txt"}, "rationale": "need the contents"}`,
		`{"answer": "The notes say hello."}`,
	)
	h := host.New(smokeConfig(), provider, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = h.StopAll(stopCtx)
	}()

	server, err := filesvc.New("files", root, nil)
	must(err, "build service")

	clientIn, svcOut, err := os.Pipe()
	must(err, "pipe")
	svcIn, clientOut, err := os.Pipe()
	must(err, "pipe")
	go func() { _ = server.Serve(ctx, svcIn, svcOut) }()

	ch := transport.New(clientIn, clientOut, transport.Options{Logger: zerolog.Nop()})
	defer func() {
		_ = ch.Close()
		_ = clientOut.Close()
		_ = svcOut.Close()
		_ = clientIn.Close()
		_ = svcIn.Close()
	}()
	must(h.AttachService(ctx, "files", ch, false), "attach service")
	fmt.Println("OK: attach + discovery")

	answer, err := h.RunTurn(ctx, "smoke", "Summarize notes.txt")
	must(err, "run turn")
	if answer != "The notes say hello." {
		log.Fatalf("unexpected answer %q", answer)
	}
	fmt.Println("OK: call then answer")

	s := h.Metrics().Summary()
	if s.Submitted != 1 || s.Succeeded != 1 {
		log.Fatalf("counters off: submitted=%d succeeded=%d", s.Submitted, s.Succeeded)
	}
	fmt.Printf("OK: metrics submitted=%d succeeded=%d\n", s.Submitted, s.Succeeded)

	fmt.Println("Decision loop smoke checks completed.")
}
