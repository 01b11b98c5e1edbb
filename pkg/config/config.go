// Package config loads and validates the stargate configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/stargate-home/stargate/pkg/util"
)

// Config is the top-level configuration document.
type Config struct {
	WorkingDir    string                    `yaml:"working_dir"`
	House         HouseConfig               `yaml:"house"`
	Logging       LoggingConfig             `yaml:"logging"`
	Server        ServerConfig              `yaml:"server"`
	Database      DatabaseConfig            `yaml:"database"`
	Notifications NotificationsConfig       `yaml:"notifications"`
	Reporting     ReportingConfig           `yaml:"reporting"`
	StateMirror   StateMirrorConfig         `yaml:"state_mirror"`
	Gateways      map[string]*GatewayConfig `yaml:"gateways"`
}

// HouseConfig names the root area.
type HouseConfig struct {
	Name string `yaml:"name"`
}

// LoggingConfig mirrors the logging section. Per-module overrides are
// flat keys of the form "level.<module>" inside the section, so they
// are collected through an inline map and split out afterwards.
type LoggingConfig struct {
	Level        string            `yaml:"level"`
	ConsoleLevel string            `yaml:"console_level"`
	Logfile      string            `yaml:"logfile"`
	Extra        map[string]string `yaml:",inline"`
}

// ModuleLevels extracts the "level.<module>" override keys.
func (l LoggingConfig) ModuleLevels() map[string]string {
	levels := map[string]string{}
	for k, v := range l.Extra {
		if name, ok := strings.CutPrefix(k, "level."); ok {
			levels[name] = v
		}
	}
	return levels
}

// ServerConfig configures the HTTP interface and healthcheck.
type ServerConfig struct {
	Port                int    `yaml:"port"`
	Public              bool   `yaml:"public"`
	Webdebug            bool   `yaml:"webdebug"`
	HealthcheckPort     int    `yaml:"healthcheck_port"`
	HealthcheckResponse string `yaml:"healthcheck_response"`
}

// DatabaseConfig configures the persistence layer.
type DatabaseConfig struct {
	Datafile           string `yaml:"datafile"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
}

// NotificationsConfig configures outbound notification delivery.
type NotificationsConfig struct {
	Email      EmailConfig           `yaml:"email"`
	Recipients map[string][][]string `yaml:"recipients"`
}

// EmailConfig configures the SMTP transport.
type EmailConfig struct {
	SMTPHost     string           `yaml:"smtp_host"`
	Sender       string           `yaml:"sender"`
	UseSSL       bool             `yaml:"use_ssl"`
	Authenticate *SMTPCredentials `yaml:"authenticate"`
}

// SMTPCredentials carries optional SMTP AUTH settings.
type SMTPCredentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ReportingConfig names notification aliases for lifecycle reports.
type ReportingConfig struct {
	Startup   string `yaml:"startup"`
	Shutdown  string `yaml:"shutdown"`
	Exception string `yaml:"exception"`
}

// StateMirrorConfig configures the optional redis live-state mirror.
type StateMirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// GatewayConfig holds one gateway's section. The section body is kept
// as a raw node so each gateway plugin can decode its own schema; only
// the shared "disabled" flag is interpreted here.
type GatewayConfig struct {
	Disabled bool

	node yaml.Node
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *GatewayConfig) UnmarshalYAML(value *yaml.Node) error {
	g.node = *value
	var probe struct {
		Disabled bool `yaml:"disabled"`
	}
	if err := value.Decode(&probe); err != nil {
		return err
	}
	g.Disabled = probe.Disabled
	return nil
}

// Decode unpacks the gateway section into a plugin-specific struct.
func (g *GatewayConfig) Decode(out interface{}) error {
	if g.node.Kind == 0 {
		return nil
	}
	return g.node.Decode(out)
}

func defaults() Config {
	return Config{
		WorkingDir: ".",
		House:      HouseConfig{Name: "House"},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port:                8080,
			HealthcheckResponse: "ok",
		},
		Database: DatabaseConfig{
			Datafile:           "stargate.sqlite",
			CheckpointInterval: 300,
		},
		StateMirror: StateMirrorConfig{
			KeyPrefix: "stargate",
		},
	}
}

// Load reads, expands, parses, and validates a configuration file.
// Environment references of the form ${VAR} are expanded before
// parsing so secrets can live outside the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	def := defaults()
	if err := mergo.Merge(&cfg, def); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document for problems, collecting all of them
// into a single error.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		v.AddErrorf("logging.level: %v", err)
	}
	if c.Logging.ConsoleLevel != "" {
		if _, err := parseLevel(c.Logging.ConsoleLevel); err != nil {
			v.AddErrorf("logging.console_level: %v", err)
		}
	}
	for k := range c.Logging.Extra {
		if !strings.HasPrefix(k, "level.") {
			v.AddErrorf("logging: unknown key %q", k)
		}
	}
	for module, lvl := range c.Logging.ModuleLevels() {
		if _, err := parseLevel(lvl); err != nil {
			v.AddErrorf("logging.level.%s: %v", module, err)
		}
	}

	v.Add(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be in 1..65535")
	if c.Server.HealthcheckPort != 0 {
		v.Add(c.Server.HealthcheckPort > 0 && c.Server.HealthcheckPort < 65536,
			"server.healthcheck_port must be in 1..65535")
	}

	v.Add(c.Database.Datafile != "", "database.datafile is required")
	v.Add(c.Database.CheckpointInterval > 0, "database.checkpoint_interval must be positive")

	for alias, pairs := range c.Notifications.Recipients {
		for i, pair := range pairs {
			if len(pair) != 2 {
				v.AddErrorf("notifications.recipients.%s[%d]: want [method, address] pair", alias, i)
				continue
			}
			if pair[0] != "email" {
				v.AddErrorf("notifications.recipients.%s[%d]: unknown method %q", alias, i, pair[0])
			}
		}
	}
	for _, alias := range []string{c.Reporting.Startup, c.Reporting.Shutdown, c.Reporting.Exception} {
		if alias == "" {
			continue
		}
		if _, ok := c.Notifications.Recipients[alias]; !ok {
			v.AddErrorf("reporting: alias %q has no notifications.recipients entry", alias)
		}
	}

	if c.StateMirror.Enabled {
		v.Add(c.StateMirror.Addr != "", "state_mirror.addr is required when enabled")
	}

	return v.Build()
}

// Gateway returns a named gateway section, or nil when absent.
func (c *Config) Gateway(name string) *GatewayConfig {
	return c.Gateways[name]
}

func parseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("invalid log level %q", s)
}
