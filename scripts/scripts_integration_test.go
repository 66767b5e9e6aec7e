//go:build integration
// +build integration

package scripts

import (
	"os"
	"testing"
)

func TestScriptsIntegration(t *testing.T) {
	if os.Getenv("RUN_SCRIPTS_TESTS") == "" {
		t.Skip("skipping integration test; set RUN_SCRIPTS_TESTS=1 to run")
	}

	svcBin := os.Getenv("HARBOR_SVC_BIN")

	t.Run("SmokeWire", func(t *testing.T) {
		RunSmokeWire()
	})

	t.Run("SmokeJournal", func(t *testing.T) {
		RunSmokeJournal()
	})

	t.Run("SmokeTurn", func(t *testing.T) {
		RunSmokeTurn()
	})

	t.Run("SpawnProbe", func(t *testing.T) {
		RunSpawnProbe(svcBin)
	})
}
