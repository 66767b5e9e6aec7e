//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/providers"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/host"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/supervisor"
)

// RunSpawnProbe launches a built harbor-svc binary and checks discovery and
// teardown through the real subprocess path. binPath names the artifact;
// empty means nothing was built, so the probe reports and returns.
func RunSpawnProbe(binPath string) {
	if binPath == "" {
		log.Printf("WARN: no harbor-svc binary provided; skipping spawn probe")
		return
	}
	fmt.Println("Smoke test: subprocess lifecycle")

	root, err := os.MkdirTemp("", "harbor-smoke-spawn")
	must(err, "temp root")
	defer os.RemoveAll(root)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := host.New(smokeConfig(), providers.NewStubProvider(), nil, zerolog.Nop())
	spec := supervisor.ServiceSpec{
		Name:    "files",
		Command: binPath,
		Args:    []string{"-kind", "file", "-root", root},
	}
	must(h.StartService(ctx, spec), "start service")
	fmt.Println("OK: spawn + handshake")

	catalog := h.Catalog()
	if len(catalog) != 4 {
		log.Fatalf("expected 4 catalog entries, got %d", len(catalog))
	}
	fmt.Printf("OK: catalog (%d tools)\n", len(catalog))

	stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	must(h.StopAll(stopCtx), "stop all")
	fmt.Println("OK: graceful stop")

	fmt.Println("Subprocess smoke checks completed.")
}
