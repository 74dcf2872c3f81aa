package config

import (
	"path/filepath"

	"github.com/mctc-health/mctc/internal/infra"
)

// DefaultPath is where the CLI looks for its config file.
func DefaultPath() string {
	return filepath.Join(infra.ResolveHomeDir(), "config.json")
}
