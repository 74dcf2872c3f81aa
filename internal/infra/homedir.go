package infra

import (
	"os"
	"path/filepath"
	"strings"
)

// HomeEnv names the variable that relocates the mctc state directory.
const HomeEnv = "MCTC_HOME"

// ResolveHomeDir returns the directory holding config.json, the database
// and the audit log. MCTC_HOME wins over ~/.mctc.
func ResolveHomeDir() string {
	if envHome := strings.TrimSpace(os.Getenv(HomeEnv)); envHome != "" {
		return envHome
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(os.TempDir(), ".mctc")
	}
	return filepath.Join(home, ".mctc")
}
