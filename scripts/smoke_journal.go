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

	"github.com/ZanzyTHEbar/tool-harbor/harbor/engine/adapters"
	"github.com/ZanzyTHEbar/tool-harbor/harbor/ports"
)

// RunSmokeJournal checks that the session journal opens, migrates, and
// round-trips a transcript window.
func RunSmokeJournal() {
	fmt.Println("Smoke test: session journal")

	dir, err := os.MkdirTemp("", "harbor-smoke-journal")
	must(err, "temp dir")
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := adapters.OpenJournal(ctx, "file:"+filepath.Join(dir, "journal.db"))
	must(err, "open journal")
	defer func() { _ = db.Close() }()
	fmt.Println("OK: open + migrate")

	j := adapters.NewJournal(db, zerolog.Nop())
	turns := []ports.Turn{
		{Role: ports.RoleInstruction, Content: "list the files"},
		{Role: ports.RoleDecision, Content: "call files/list_directory", Invocation: &ports.Invocation{
			Service:   "files",
			Tool:      "list_directory",
			Rationale: "user asked for a listing",
		}},
		{Role: ports.RoleResult, Content: `{"entries": []}`},
	}
	for _, turn := range turns {
		must(j.SaveTurn(ctx, "smoke", turn), "save turn")
	}
	fmt.Println("OK: save turns")

	window, err := j.LoadContext(ctx, "smoke", 2)
	must(err, "load context")
	if len(window) != 2 {
		log.Fatalf("expected 2 turns, got %d", len(window))
	}
	if window[0].Role != ports.RoleDecision || window[1].Role != ports.RoleResult {
		log.Fatalf("window out of order: %s then %s", window[0].Role, window[1].Role)
	}
	if window[0].Invocation == nil || window[0].Invocation.Tool != "list_directory" {
		log.Fatalf("invocation lost in round-trip: %+v", window[0].Invocation)
	}
	fmt.Println("OK: windowed load keeps order and invocations")

	fmt.Println("Journal smoke checks completed.")
}
