// Package config loads process configuration from the environment and the
// agent roster from a YAML file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/taskforge/taskforge/pkg/telemetry"
)

// Config is the full process configuration, populated from environment
// variables with TASKFORGE_ prefixes. A .env file in the working directory
// is merged in when present.
type Config struct {
	Server ServerConfig
	Engine EngineConfig
	Store  StoreConfig

	LogLevel     string `env:"TASKFORGE_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"TASKFORGE_LOG_FORMAT" envDefault:"console"`
	LogOutput    string `env:"TASKFORGE_LOG_OUTPUT" envDefault:"stderr"`
	LogCaller    bool   `env:"TASKFORGE_LOG_CALLER" envDefault:"false"`
	Environment  string `env:"TASKFORGE_ENVIRONMENT" envDefault:"development"`
	ServiceName  string `env:"TASKFORGE_SERVICE_NAME" envDefault:"taskforge"`
	TraceEnabled bool   `env:"TASKFORGE_TRACING_ENABLED" envDefault:"false"`
	TraceExport  string `env:"TASKFORGE_TRACING_EXPORTER" envDefault:"stdout"`
	TraceTarget  string `env:"TASKFORGE_TRACING_ENDPOINT" envDefault:"localhost:4317"`
	TraceSample  float64 `env:"TASKFORGE_TRACING_SAMPLING_RATE" envDefault:"1.0"`
	MetricsOn    bool   `env:"TASKFORGE_METRICS_ENABLED" envDefault:"true"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `env:"TASKFORGE_LISTEN_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"TASKFORGE_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"TASKFORGE_WRITE_TIMEOUT" envDefault:"0"`
	ShutdownTimeout time.Duration `env:"TASKFORGE_SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

// EngineConfig configures the dispatcher, the retry policy, and the
// operation runner.
type EngineConfig struct {
	AgentsFile string `env:"TASKFORGE_AGENTS_FILE" envDefault:"agents.yaml"`

	RetryMaxAttempts int           `env:"TASKFORGE_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"TASKFORGE_RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay    time.Duration `env:"TASKFORGE_RETRY_MAX_DELAY" envDefault:"30s"`

	GracePeriod time.Duration `env:"TASKFORGE_KILL_GRACE_PERIOD" envDefault:"5s"`

	// Overrides for the external tools the built-in task types invoke.
	ConfigTool  string `env:"TASKFORGE_CONFIG_TOOL"`
	ChartTool   string `env:"TASKFORGE_CHART_TOOL"`
	ClusterTool string `env:"TASKFORGE_CLUSTER_TOOL"`
}

// StoreConfig configures the task history archive.
type StoreConfig struct {
	Path    string `env:"TASKFORGE_DB_PATH" envDefault:"taskforge.db"`
	Enabled bool   `env:"TASKFORGE_DB_ENABLED" envDefault:"true"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	if c.Engine.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Engine.RetryMaxAttempts)
	}
	if c.Engine.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %s", c.Engine.RetryBaseDelay)
	}
	if c.Engine.RetryMaxDelay < c.Engine.RetryBaseDelay {
		return fmt.Errorf("retry max delay %s is below base delay %s", c.Engine.RetryMaxDelay, c.Engine.RetryBaseDelay)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

// Telemetry derives the telemetry configuration.
func (c *Config) Telemetry() telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.ServiceName
	tc.Environment = c.Environment
	tc.Logging.Level = c.LogLevel
	tc.Logging.Format = c.LogFormat
	tc.Logging.Output = c.LogOutput
	tc.Logging.EnableCaller = c.LogCaller
	tc.Tracing.Enabled = c.TraceEnabled
	tc.Tracing.Exporter = c.TraceExport
	tc.Tracing.Endpoint = c.TraceTarget
	tc.Tracing.SamplingRate = c.TraceSample
	tc.Metrics.Enabled = c.MetricsOn
	return *tc
}
