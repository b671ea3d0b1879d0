// ABOUTME: Configuration loading and parsing for intake-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete intake-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Backend   BackendConfig   `yaml:"backend"`
	Generator GeneratorConfig `yaml:"generator"`
	Validator ValidatorConfig `yaml:"validator"`
	Tools     ToolsConfig     `yaml:"tools"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackendConfig holds the language model backend configuration used for
// answer validation and reply phrasing
type BackendConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// GeneratorConfig holds the document generation job runner configuration
type GeneratorConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Timeout       time.Duration `yaml:"-"`
	AbandonWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw       string `yaml:"timeout"`
	AbandonWindowRaw string `yaml:"abandon_window"`
}

// ValidatorConfig holds answer validation tuning
type ValidatorConfig struct {
	MinAnswerLength int `yaml:"min_answer_length"`
}

// ToolsConfig holds the tool definition directory
type ToolsConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig holds authentication configuration. An empty JWT secret
// disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Backend.Endpoint == "" {
		return fmt.Errorf("backend.endpoint is required")
	}

	if c.Generator.Endpoint == "" {
		return fmt.Errorf("generator.endpoint is required")
	}

	if c.Tools.Dir == "" {
		return fmt.Errorf("tools.dir is required")
	}

	if c.Validator.MinAnswerLength < 0 {
		return fmt.Errorf("validator.min_answer_length must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Backend.TimeoutRaw != "" {
		cfg.Backend.Timeout, err = time.ParseDuration(cfg.Backend.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing backend timeout %q: %w", cfg.Backend.TimeoutRaw, err)
		}
	}

	if cfg.Generator.TimeoutRaw != "" {
		cfg.Generator.Timeout, err = time.ParseDuration(cfg.Generator.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing generator timeout %q: %w", cfg.Generator.TimeoutRaw, err)
		}
	}

	if cfg.Generator.AbandonWindowRaw != "" {
		cfg.Generator.AbandonWindow, err = time.ParseDuration(cfg.Generator.AbandonWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing abandon_window %q: %w", cfg.Generator.AbandonWindowRaw, err)
		}
	}

	return nil
}
