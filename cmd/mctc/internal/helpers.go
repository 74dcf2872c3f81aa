package internal

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/mctc-health/mctc/pkg/config"
	"github.com/mctc-health/mctc/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// configPath is set by the root --config flag.
var configPath string

// SetConfigPath overrides the config file location. Empty restores the default.
func SetConfigPath(path string) {
	configPath = strings.TrimSpace(path)
}

func GetConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// LoadConfig loads and validates the config, then applies its log settings.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", GetConfigPath(), err)
	}
	if err := ConfigureLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ConfigureLogging(cfg *config.Config) error {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactionEnabled(cfg.Log.Redaction)
	if path := cfg.LogPath(); path != "" {
		if err := logger.EnableFileLogging(path); err != nil {
			return err
		}
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
