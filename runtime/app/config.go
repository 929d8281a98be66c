package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the file-based configuration for an orchestration process.
	// Values load from YAML and individual fields can be overridden through
	// environment variables, which always win over the file.
	Config struct {
		// Mode is "single" or "multi". ORCHESTRA_MODE overrides.
		Mode string `yaml:"mode"`
		// DefaultClient names the fallback provider client.
		// ORCHESTRA_DEFAULT_CLIENT overrides.
		DefaultClient string `yaml:"default_client"`
		// DefaultRunner names the fallback dispatch runner.
		// ORCHESTRA_DEFAULT_RUNNER overrides.
		DefaultRunner string `yaml:"default_runner"`

		// Providers holds per-provider connection settings keyed by client
		// name.
		Providers map[string]ProviderConfig `yaml:"providers"`

		// Services declares config-defined services keyed by identity
		// string. Embedding programs typically register services in code;
		// this section exists for the admin CLI and quick experiments.
		Services map[string]ServiceConfig `yaml:"services"`

		// Redis configures the pulse-backed queue runner and cluster maps.
		Redis RedisConfig `yaml:"redis"`
		// Mongo configures the call store.
		Mongo MongoConfig `yaml:"mongo"`
		// Temporal configures the durable runner.
		Temporal TemporalConfig `yaml:"temporal"`

		// Debug enables debug-level logging. ORCHESTRA_DEBUG overrides.
		Debug bool `yaml:"debug"`
	}

	// ProviderConfig holds the connection settings for one provider client.
	ProviderConfig struct {
		// Kind selects the client implementation ("openai", "anthropic",
		// "bedrock").
		Kind string `yaml:"kind"`
		// APIKey authenticates with the provider. <NAME>_API_KEY overrides
		// per the env naming in Normalize.
		APIKey string `yaml:"api_key"`
		// BaseURL overrides the provider endpoint, for gateways and tests.
		BaseURL string `yaml:"base_url"`
		// Model is the default model for the client.
		Model string `yaml:"model"`
		// Region is the AWS region, bedrock only.
		Region string `yaml:"region"`
		// TPM enables adaptive rate limiting with this tokens-per-minute
		// budget. Zero disables the limiter.
		TPM float64 `yaml:"tpm"`
		// MaxTPM caps the budget the limiter probes back up to after a
		// backoff. Defaults to TPM.
		MaxTPM float64 `yaml:"max_tpm"`
	}

	// ServiceConfig declares one config-defined service.
	ServiceConfig struct {
		// Instruction is the base instruction text.
		Instruction string `yaml:"instruction"`
		// Model overrides the client's default model.
		Model string `yaml:"model"`
		// Client names the preferred provider client.
		Client string `yaml:"client"`
		// MaxOutputTokens caps the response size; zero means provider
		// default.
		MaxOutputTokens int `yaml:"max_output_tokens"`
		// Timeout bounds each provider call.
		Timeout time.Duration `yaml:"timeout"`
	}

	// RedisConfig holds the redis connection settings.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// MongoConfig holds the call store connection settings.
	MongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	// TemporalConfig holds the durable runner connection settings.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}
)

// LoadConfig reads the YAML file at path, applies environment overrides,
// and returns the result. A missing file is not an error: the returned
// config then carries environment values and defaults only.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env and defaults
		case err != nil:
			return nil, fmt.Errorf("app: read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("app: parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Mode = envOr("ORCHESTRA_MODE", c.Mode)
	c.DefaultClient = envOr("ORCHESTRA_DEFAULT_CLIENT", c.DefaultClient)
	c.DefaultRunner = envOr("ORCHESTRA_DEFAULT_RUNNER", c.DefaultRunner)
	c.Redis.Addr = envOr("ORCHESTRA_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envOr("ORCHESTRA_REDIS_PASSWORD", c.Redis.Password)
	c.Mongo.URI = envOr("ORCHESTRA_MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = envOr("ORCHESTRA_MONGO_DATABASE", c.Mongo.Database)
	c.Temporal.HostPort = envOr("ORCHESTRA_TEMPORAL_HOST_PORT", c.Temporal.HostPort)
	c.Temporal.TaskQueue = envOr("ORCHESTRA_TEMPORAL_TASK_QUEUE", c.Temporal.TaskQueue)
	if os.Getenv("ORCHESTRA_DEBUG") != "" {
		c.Debug = true
	}
	for name, pc := range c.Providers {
		if key := os.Getenv(providerKeyEnv(name)); key != "" {
			pc.APIKey = key
			c.Providers[name] = pc
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = string(ModeMulti)
	}
	if c.DefaultRunner == "" {
		c.DefaultRunner = "local"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "orchestra"
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = "calls"
	}
	if c.Mongo.Timeout == 0 {
		c.Mongo.Timeout = 10 * time.Second
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = "orchestra-calls"
	}
}

// providerKeyEnv maps a client name to its API key environment variable:
// "openai" becomes OPENAI_API_KEY.
func providerKeyEnv(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z' || r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out) + "_API_KEY"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
