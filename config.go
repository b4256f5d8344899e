package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v2"

	"gointake/hid"
	"gointake/mqtt"
)

// Config is the main configuration structure for gointake. Values come from
// the YAML config file; the tuning knobs can additionally be overridden
// through INTAKE_* environment variables, which win over the file.
type Config struct {
	// General settings
	ClientID string `yaml:"client_id"`
	DBPath   string `yaml:"db_path" env:"INTAKE_DB_PATH"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"INTAKE_LOG_LEVEL"`
	LogPretty bool   `yaml:"log_pretty"`

	// MQTT connection settings
	MQTT mqtt.Config `yaml:"mqtt"`

	// Reader configuration; one entry per physical RFID reader
	Readers []hid.Config `yaml:"readers"`

	// Tag decoding
	MinScanIntervalSeconds float64 `yaml:"min_scan_interval_seconds" env:"INTAKE_MIN_SCAN_INTERVAL"`
	InputTimeoutSeconds    float64 `yaml:"input_timeout_seconds" env:"INTAKE_INPUT_TIMEOUT"`
	MaxBufferLength        int     `yaml:"max_buffer_length"`

	// Duplicate suppression
	GlobalCooldownSeconds  int  `yaml:"global_cooldown_seconds" env:"INTAKE_GLOBAL_COOLDOWN"`
	SessionCooldownSeconds int  `yaml:"session_cooldown_seconds" env:"INTAKE_SESSION_COOLDOWN"`
	DuplicateCheckEnabled  bool `yaml:"duplicate_check_enabled" env:"INTAKE_DUPLICATE_CHECK"`

	// Scan attribution
	AssignmentMode string `yaml:"assignment_mode" env:"INTAKE_ASSIGNMENT_MODE"` // last_login, last_rfid, round_robin, manual
	RetapPolicy    string `yaml:"retap_policy" env:"INTAKE_RETAP_POLICY"`       // logout, mark_active
	AutoProvision  bool   `yaml:"auto_provision"`
}

// LoadConfig reads the YAML file at path and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := Config{
		DBPath:                 "intake.db",
		LogLevel:               "info",
		MinScanIntervalSeconds: 1.0,
		InputTimeoutSeconds:    0.5,
		MaxBufferLength:        15,
		GlobalCooldownSeconds:  300,
		SessionCooldownSeconds: 3600,
		DuplicateCheckEnabled:  true,
		AssignmentMode:         "last_login",
		RetapPolicy:            "logout",
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id missing in config file")
	}
	return &cfg, nil
}

func (c *Config) minScanInterval() time.Duration {
	return time.Duration(c.MinScanIntervalSeconds * float64(time.Second))
}

func (c *Config) inputTimeout() time.Duration {
	return time.Duration(c.InputTimeoutSeconds * float64(time.Second))
}

func (c *Config) globalCooldown() time.Duration {
	return time.Duration(c.GlobalCooldownSeconds) * time.Second
}

func (c *Config) sessionCooldown() time.Duration {
	return time.Duration(c.SessionCooldownSeconds) * time.Second
}
