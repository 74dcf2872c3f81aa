package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type StorageConfig struct {
	Path string `json:"path" label:"Database Path" env:"MCTC_STORAGE_PATH"`
}

type AuditConfig struct {
	Enabled   bool   `json:"enabled" label:"Enabled" env:"MCTC_AUDIT_ENABLED"`
	FilePath  string `json:"file_path" label:"Audit File" env:"MCTC_AUDIT_FILE_PATH"`
	SecretKey string `json:"secret_key" label:"HMAC Secret" env:"MCTC_AUDIT_SECRET_KEY"`
}

type LogConfig struct {
	Level     string `json:"level" label:"Level" env:"MCTC_LOG_LEVEL"`
	FilePath  string `json:"file_path" label:"Log File" env:"MCTC_LOG_FILE_PATH"`
	Redaction bool   `json:"redaction" label:"Redact Phone Numbers" env:"MCTC_LOG_REDACTION"`
}

// SMSConfig configures the HTTP webhook that bridges to the SMS connector.
type SMSConfig struct {
	Backend          string  `json:"backend" label:"Backend Name" env:"MCTC_SMS_BACKEND"`
	Host             string  `json:"host" label:"Host" env:"MCTC_SMS_HOST"`
	Port             int     `json:"port" label:"Port" env:"MCTC_SMS_PORT"`
	InboundPath      string  `json:"inbound_path" label:"Inbound Path" env:"MCTC_SMS_INBOUND_PATH"`
	Token            string  `json:"token" label:"Token" env:"MCTC_SMS_TOKEN"`
	ConnectorURL     string  `json:"connector_url" label:"Connector URL" env:"MCTC_SMS_CONNECTOR_URL"`
	ConnectorTimeout int     `json:"connector_timeout" label:"Connector Timeout (s)" env:"MCTC_SMS_CONNECTOR_TIMEOUT"`
	MaxMessageLength int     `json:"max_message_length" label:"Max Message Length" env:"MCTC_SMS_MAX_MESSAGE_LENGTH"`
	SendsPerSecond   float64 `json:"sends_per_second" label:"Sends Per Second" env:"MCTC_SMS_SENDS_PER_SECOND"` // per destination, 0 = unlimited
}

type GatewayConfig struct {
	Workers int `json:"workers" label:"Dispatch Workers" env:"MCTC_GATEWAY_WORKERS"`
}

type SupportConfig struct {
	Contact string `json:"contact" label:"Support Contact" env:"MCTC_SUPPORT_CONTACT"`
}

type IdentityConfig struct {
	// CountryCode is prepended with '+' to peers that arrive without one.
	CountryCode string `json:"country_code" label:"Country Code" env:"MCTC_IDENTITY_COUNTRY_CODE"`
}

type SummaryConfig struct {
	Enabled  bool   `json:"enabled" label:"Enabled" env:"MCTC_SUMMARY_ENABLED"`
	Schedule string `json:"schedule" label:"Cron Schedule" env:"MCTC_SUMMARY_SCHEDULE"`
	Peer     string `json:"peer" label:"Requesting Peer" env:"MCTC_SUMMARY_PEER"`
}

type TracingConfig struct {
	Enabled  bool   `json:"enabled" label:"Enabled" env:"MCTC_TRACING_ENABLED"`
	Endpoint string `json:"endpoint" label:"OTLP Endpoint" env:"MCTC_TRACING_ENDPOINT"`
}

type RepliesConfig struct {
	// OverridePath points at a YAML file whose keys replace the built-in templates.
	OverridePath string `json:"override_path" label:"Overrides File" env:"MCTC_REPLIES_OVERRIDE_PATH"`
}

type Config struct {
	Storage  StorageConfig  `json:"storage" label:"Storage"`
	Audit    AuditConfig    `json:"audit" label:"Audit"`
	Log      LogConfig      `json:"log" label:"Logging"`
	SMS      SMSConfig      `json:"sms" label:"SMS Webhook"`
	Gateway  GatewayConfig  `json:"gateway" label:"Gateway"`
	Support  SupportConfig  `json:"support" label:"Support"`
	Identity IdentityConfig `json:"identity" label:"Identity"`
	Summary  SummaryConfig  `json:"summary" label:"Measles Summary"`
	Tracing  TracingConfig  `json:"tracing" label:"Tracing"`
	Replies  RepliesConfig  `json:"replies" label:"Replies"`
	mu       sync.RWMutex
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "~/.mctc/mctc.db",
		},
		Audit: AuditConfig{
			Enabled:  true,
			FilePath: "~/.mctc/audit.log",
		},
		Log: LogConfig{
			Level:     "info",
			Redaction: true,
		},
		SMS: SMSConfig{
			Backend:          "sms",
			Host:             "127.0.0.1",
			Port:             18794,
			InboundPath:      "/sms/inbound",
			ConnectorURL:     "http://127.0.0.1:13013/cgi-bin/sendsms",
			ConnectorTimeout: 10,
			MaxMessageLength: 140,
			SendsPerSecond:   1,
		},
		Gateway: GatewayConfig{
			Workers: 4,
		},
		Support: SupportConfig{
			Contact: "0733202270",
		},
		Identity: IdentityConfig{
			CountryCode: "233",
		},
		Summary: SummaryConfig{
			Enabled:  false,
			Schedule: "0 8 * * 1",
		},
	}
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Gateway.Workers < 1 {
		return fmt.Errorf("gateway.workers must be at least 1, got %d", c.Gateway.Workers)
	}
	if c.SMS.MaxMessageLength < 20 {
		return fmt.Errorf("sms.max_message_length must be at least 20, got %d", c.SMS.MaxMessageLength)
	}
	if c.Summary.Enabled && strings.TrimSpace(c.Summary.Peer) == "" {
		return fmt.Errorf("summary.peer is required when summary is enabled")
	}
	if c.Summary.Enabled && !gronx.New().IsValid(c.Summary.Schedule) {
		return fmt.Errorf("summary.schedule %q is not a valid cron expression", c.Summary.Schedule)
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// LoadConfig reads path on top of the defaults, then applies a .env file next
// to it (if any) and MCTC_* environment overrides. A missing file is not an
// error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if _, statErr := os.Stat(dotenv); statErr == nil {
		if err := godotenv.Load(dotenv); err != nil {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) StoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.Path)
}

func (c *Config) AuditPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Audit.FilePath)
}

func (c *Config) LogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Log.FilePath)
}

func (c *Config) RepliesPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Replies.OverridePath)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
