// Package platform wires the assistant's components together and exposes
// them as an MCP server.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edustack/mcp-lms-assistant/pkg/lmsdb"
)

// Config holds the complete assistant configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	LMS       LMSConfig       `yaml:"lms"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Limits    LimitsConfig    `yaml:"limits"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Transport   string `yaml:"transport"` // "stdio", "http"
	Address     string `yaml:"address"`
}

// ModelConfig configures the language model endpoint.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Name    string `yaml:"name"`
}

// LMSConfig configures the Totara LMS database connection.
type LMSConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// AllowedTables overrides the default query allow-list. Keys are
	// table names, values are the queryable columns.
	AllowedTables map[string][]string `yaml:"allowed_tables"`
}

// KnowledgeConfig configures the vector knowledge store.
type KnowledgeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ChromaURL  string `yaml:"chroma_url"`
	Collection string `yaml:"collection"`
	SeedOnBoot bool   `yaml:"seed_on_boot"`
}

// SessionsConfig configures conversation session management.
type SessionsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxHistory    int           `yaml:"max_history"`

	// PostgresDSN selects the durable session store when set; empty
	// keeps sessions in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LimitsConfig bounds caller input and query results.
type LimitsConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
	MaxQueryLength   int `yaml:"max_query_length"`
	RowLimit         int `yaml:"row_limit"`
	ContextResults   int `yaml:"context_results"`
}

// TimeoutsConfig budgets each pipeline stage.
type TimeoutsConfig struct {
	IntentAnalysis    time.Duration `yaml:"intent_analysis"`
	ContextRetrieval  time.Duration `yaml:"context_retrieval"`
	QueryGeneration   time.Duration `yaml:"query_generation"`
	Execution         time.Duration `yaml:"execution"`
	ResponseSynthesis time.Duration `yaml:"response_synthesis"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-lms-assistant"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "http://localhost:11434"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "llama3.1"
	}
	if cfg.LMS.MaxOpenConns == 0 {
		cfg.LMS.MaxOpenConns = 25
	}
	if cfg.LMS.MaxIdleConns == 0 {
		cfg.LMS.MaxIdleConns = 5
	}
	if len(cfg.LMS.AllowedTables) == 0 {
		cfg.LMS.AllowedTables = lmsdb.DefaultSchema()
	}
	if cfg.Knowledge.Collection == "" {
		cfg.Knowledge.Collection = "totara_knowledge"
	}
	if cfg.Sessions.Timeout == 0 {
		cfg.Sessions.Timeout = 30 * time.Minute
	}
	if cfg.Sessions.SweepInterval == 0 {
		cfg.Sessions.SweepInterval = 5 * time.Minute
	}
	if cfg.Sessions.MaxHistory == 0 {
		cfg.Sessions.MaxHistory = 20
	}
	if cfg.Limits.MaxMessageLength == 0 {
		cfg.Limits.MaxMessageLength = 2000
	}
	if cfg.Limits.MaxQueryLength == 0 {
		cfg.Limits.MaxQueryLength = 2000
	}
	if cfg.Limits.RowLimit == 0 {
		cfg.Limits.RowLimit = 200
	}
	if cfg.Limits.ContextResults == 0 {
		cfg.Limits.ContextResults = 3
	}
	applyTimeoutDefaults(&cfg.Timeouts)
}

func applyTimeoutDefaults(t *TimeoutsConfig) {
	if t.IntentAnalysis == 0 {
		t.IntentAnalysis = 30 * time.Second
	}
	if t.ContextRetrieval == 0 {
		t.ContextRetrieval = 5 * time.Second
	}
	if t.QueryGeneration == 0 {
		t.QueryGeneration = 30 * time.Second
	}
	if t.Execution == 0 {
		t.Execution = 15 * time.Second
	}
	if t.ResponseSynthesis == 0 {
		t.ResponseSynthesis = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Server.Transport {
	case "stdio":
	case "http":
		if c.Server.Address == "" {
			errs = append(errs, "server.address is required for the http transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("server.transport %q is not one of stdio, http", c.Server.Transport))
	}

	if c.LMS.DSN == "" {
		errs = append(errs, "lms.dsn is required")
	}
	if c.Knowledge.Enabled && c.Knowledge.ChromaURL == "" {
		errs = append(errs, "knowledge.chroma_url is required when knowledge is enabled")
	}
	if c.Sessions.Timeout < 0 {
		errs = append(errs, "sessions.timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
