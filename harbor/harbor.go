// Package harbor holds application-wide constants shared by the config
// layer and the demo binaries.
package harbor

const (
	// DefaultAppName is used for config search paths and child process naming.
	DefaultAppName = "tool-harbor"

	// Version is reported in the initialize handshake and startup logs.
	Version = "0.1.0"

	// DefaultConfigPath is the fallback directory searched for config.yaml.
	DefaultConfigPath = "$HOME/.config/tool-harbor"

	// DefaultDataDir holds the conversation journal and demo service data.
	DefaultDataDir = "$HOME/.local/share/tool-harbor"

	// DefaultJournalDSN is the conversation journal database location.
	DefaultJournalDSN = "file:harbor_journal.db"

	// DefaultManifestPath is where the supervisor looks for service specs.
	DefaultManifestPath = "services.json"
)
