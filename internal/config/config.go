// Package config holds the simulator configuration: per-role upstream agent
// endpoints, relay settings and logging. Values resolve in layers (built-in
// defaults, optional YAML file, then environment overrides) and legacy
// upstream hostnames are transparently remapped to the current gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AgentConfig is one upstream agent endpoint.
type AgentConfig struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"`
	Timeout string `yaml:"timeout"`
}

// AgentsConfig holds the three agent roles. The overall role's key defaults
// to empty, which disables the end-of-session evaluation feature.
type AgentsConfig struct {
	Visitor    AgentConfig `yaml:"visitor"`
	Supervisor AgentConfig `yaml:"supervisor"`
	Overall    AgentConfig `yaml:"overall"`
}

// RelayConfig configures the CORS relay the browser UI talks to.
type RelayConfig struct {
	Listen         string   `yaml:"listen"`
	Endpoint       string   `yaml:"endpoint"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Config is the root configuration.
type Config struct {
	Agents AgentsConfig `yaml:"agents"`
	Relay  RelayConfig  `yaml:"relay"`

	// RelayURL is the endpoint the transport adapter POSTs to. The
	// upstream agent API refuses browser origins, so every call goes
	// through the relay even from non-browser clients.
	RelayURL string `yaml:"relay_url"`

	// MaxRetries is the number of additional attempts after a failed call.
	MaxRetries int `yaml:"max_retries"`

	Logging LoggingConfig `yaml:"logging"`
}

// legacyGateways maps retired upstream hosts to the current gateway. Old
// deployments still carry the retired URLs in their environment, so the
// remap happens at resolution time and those environments keep working.
var legacyGateways = map[string]string{
	"https://dify.ai-role.cn/v1":   "https://gateway.lingxinai.com/dify-test/v1",
	"http://dify.lingxinai.com/v1": "https://gateway.lingxinai.com/dify-prod/v1",
}

const (
	defaultGatewayURL    = "https://gateway.lingxinai.com/dify-test/v1"
	defaultVisitorKey    = "app-2HjDhAbbHNl8N4T2Rcs2C25s"
	defaultSupervisorKey = "app-3NPjpb7nkYhFAYtXpFvOShv6"
)

// DefaultConfig returns the built-in defaults (test gateway environment).
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Visitor: AgentConfig{
				URL:     defaultGatewayURL,
				Key:     defaultVisitorKey,
				Timeout: "120s",
			},
			Supervisor: AgentConfig{
				URL:     defaultGatewayURL,
				Key:     defaultSupervisorKey,
				Timeout: "180s",
			},
			Overall: AgentConfig{
				URL:     defaultGatewayURL,
				Key:     "",
				Timeout: "300s",
			},
		},
		Relay: RelayConfig{
			Listen:         ":8787",
			Endpoint:       "/api/dify",
			AllowedOrigins: []string{"*"},
		},
		RelayURL:   "http://localhost:8787/api/dify",
		MaxRetries: 2,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then applies the legacy gateway remap. A missing
// file is not an error. A .env file in the working directory is honored
// before the environment is read.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.rewriteLegacyGateways()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. The VITE_DIFY_*
// names are the ones the original web deployment used; they are honored so
// an existing deployment environment works unchanged.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Agents.Visitor.URL, "COUNSELSIM_VISITOR_API_URL", "VITE_DIFY_VISITOR_API_URL")
	setIfEnv(&c.Agents.Visitor.Key, "COUNSELSIM_VISITOR_API_KEY", "VITE_DIFY_VISITOR_API_KEY")
	setIfEnv(&c.Agents.Supervisor.URL, "COUNSELSIM_SUPERVISOR_API_URL", "VITE_DIFY_SUPERVISOR_API_URL")
	setIfEnv(&c.Agents.Supervisor.Key, "COUNSELSIM_SUPERVISOR_API_KEY", "VITE_DIFY_SUPERVISOR_API_KEY")
	setIfEnv(&c.Agents.Overall.URL, "COUNSELSIM_OVERALL_API_URL", "VITE_DIFY_API_OVERALL_URL")
	setIfEnv(&c.Agents.Overall.Key, "COUNSELSIM_OVERALL_API_KEY", "VITE_DIFY_API_OVERALL_KEY")

	setIfEnv(&c.RelayURL, "COUNSELSIM_RELAY_URL")
	setIfEnv(&c.Relay.Listen, "COUNSELSIM_RELAY_LISTEN")
	setIfEnv(&c.Logging.Level, "COUNSELSIM_LOG_LEVEL")
}

func setIfEnv(dst *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
	}
}

// rewriteLegacyGateways remaps retired upstream hosts in place.
func (c *Config) rewriteLegacyGateways() {
	for _, agent := range []*AgentConfig{&c.Agents.Visitor, &c.Agents.Supervisor, &c.Agents.Overall} {
		if current, ok := legacyGateways[agent.URL]; ok {
			agent.URL = current
		}
	}
}

// Agent returns the config block for a role name (visitor, supervisor,
// overall).
func (c *Config) Agent(role string) (AgentConfig, bool) {
	switch role {
	case "visitor":
		return c.Agents.Visitor, true
	case "supervisor":
		return c.Agents.Supervisor, true
	case "overall":
		return c.Agents.Overall, true
	}
	return AgentConfig{}, false
}

// OverallEnabled reports whether the optional end-of-session evaluation is
// configured.
func (c *Config) OverallEnabled() bool {
	return c.Agents.Overall.Key != ""
}

// TimeoutOrDefault parses the agent's timeout, falling back to def.
func (a AgentConfig) TimeoutOrDefault(def time.Duration) time.Duration {
	d, err := time.ParseDuration(a.Timeout)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate checks the fields every run needs. The overall key may be empty.
func (c *Config) Validate() error {
	if c.Agents.Visitor.URL == "" || c.Agents.Supervisor.URL == "" {
		return fmt.Errorf("agent URLs not configured")
	}
	if c.Agents.Visitor.Key == "" {
		return fmt.Errorf("visitor API key not configured (set COUNSELSIM_VISITOR_API_KEY)")
	}
	if c.Agents.Supervisor.Key == "" {
		return fmt.Errorf("supervisor API key not configured (set COUNSELSIM_SUPERVISOR_API_KEY)")
	}
	if c.RelayURL == "" {
		return fmt.Errorf("relay URL not configured")
	}
	return nil
}
