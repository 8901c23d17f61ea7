package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/grouprelay/backend/internal/session"
)

// EnvPrefix is prepended to every environment override, e.g.
// GROUPRELAY_SESSION_TARGET_GROUP.
const EnvPrefix = "GROUPRELAY_"

type Config struct {
	Server  ServerConfig  `yaml:"server"  envPrefix:"SERVER_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Pairing PairingConfig `yaml:"pairing" envPrefix:"PAIRING_"`
	Archive ArchiveConfig `yaml:"archive" envPrefix:"ARCHIVE_"`
	OCR     OCRConfig     `yaml:"ocr"     envPrefix:"OCR_"`
	Engine  EngineConfig  `yaml:"engine"  envPrefix:"ENGINE_"`
	Log     LogConfig     `yaml:"log"     envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"            env:"PORT"`
	Host           string   `yaml:"host"            env:"HOST"`
	AuthToken      string   `yaml:"auth_token"      env:"AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	MaxConnections int      `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	HandshakeRate  float64  `yaml:"handshake_rate"  env:"HANDSHAKE_RATE"`
	HandshakeBurst int      `yaml:"handshake_burst" env:"HANDSHAKE_BURST"`
}

type SessionConfig struct {
	// TargetGroup is matched exactly against conversation display names.
	TargetGroup     string        `yaml:"target_group"     env:"TARGET_GROUP"`
	RestartCooldown time.Duration `yaml:"restart_cooldown" env:"RESTART_COOLDOWN"`
	TerminalQR      bool          `yaml:"terminal_qr"      env:"TERMINAL_QR"`
}

type PairingConfig struct {
	RenderURL string `yaml:"render_url" env:"RENDER_URL"`
}

type ArchiveConfig struct {
	Root      string `yaml:"root"      env:"ROOT"`
	Collision string `yaml:"collision" env:"COLLISION"`
}

type OCRConfig struct {
	Language       string `yaml:"language"        env:"LANGUAGE"`
	TessdataPrefix string `yaml:"tessdata_prefix" env:"TESSDATA_PREFIX"`
}

type EngineConfig struct {
	StorePath string `yaml:"store_path" env:"STORE_PATH"`
	LockFile  string `yaml:"lock_file"  env:"LOCK_FILE"`
}

type LogConfig struct {
	Level      string `yaml:"level"        env:"LEVEL"`
	JSON       bool   `yaml:"json"         env:"JSON"`
	File       string `yaml:"file"         env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb"  env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups"  env:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress"     env:"COMPRESS"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			HandshakeRate:  5,
			HandshakeBurst: 10,
		},
		Session: SessionConfig{
			RestartCooldown: 5 * time.Second,
			TerminalQR:      true,
		},
		Pairing: PairingConfig{
			RenderURL: "https://api.qrserver.com/v1/create-qr-code/?data={code}&size=150x150",
		},
		Archive: ArchiveConfig{
			Root:      "receipts",
			Collision: "overwrite",
		},
		OCR: OCRConfig{
			Language: "por",
		},
		Engine: EngineConfig{
			StorePath: "grouprelay.db",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied. It does not validate.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

// Load reads a YAML file over the defaults, then applies GROUPRELAY_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Engine.LockFile == "" && c.Engine.StorePath != "" {
		c.Engine.LockFile = c.Engine.StorePath + ".lock"
	}
	if c.Archive.Root != "" {
		c.Archive.Root = filepath.Clean(c.Archive.Root)
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Session.TargetGroup) == "" {
		errs = append(errs, errors.New("session.target_group is required"))
	}
	if c.Session.RestartCooldown <= 0 {
		errs = append(errs, fmt.Errorf("session.restart_cooldown must be positive, got %s", c.Session.RestartCooldown))
	}
	if !strings.Contains(c.Pairing.RenderURL, session.CodePlaceholder) {
		errs = append(errs, fmt.Errorf("pairing.render_url must contain %s", session.CodePlaceholder))
	}
	if c.Archive.Root == "" {
		errs = append(errs, errors.New("archive.root is required"))
	}
	switch c.Archive.Collision {
	case "overwrite", "suffix":
	default:
		errs = append(errs, fmt.Errorf("archive.collision must be overwrite or suffix, got %q", c.Archive.Collision))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the observer server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
