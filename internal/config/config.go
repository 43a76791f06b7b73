// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev" validate:"oneof=dev test prod"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"llm-keyrouter"`
	MetricsAddr     string `env:"METRICS_ADDR" envDefault:":9090"`

	// Ops endpoint
	OpsCORSAllowOrigins string        `env:"OPS_CORS_ALLOW_ORIGINS" envDefault:""`
	OpsRateLimitPerMin  int           `env:"OPS_RATE_LIMIT_PER_MIN" envDefault:"120" validate:"gte=1"`
	PoolMonitorInterval time.Duration `env:"POOL_MONITOR_INTERVAL" envDefault:"15s" validate:"gt=0"`

	// JobWorkers bounds how many stdin jobs are in flight at once. Upstream
	// concurrency is still capped by MaxParallelCalls.
	JobWorkers int `env:"JOB_WORKERS" envDefault:"4" validate:"gte=1"`

	// UpstreamMode selects the outbound transport: "http" talks to an
	// OpenAI-compatible endpoint, "simulated" runs an in-process upstream.
	UpstreamMode        string        `env:"UPSTREAM_MODE" envDefault:"http" validate:"oneof=http simulated"`
	UpstreamBaseURL     string        `env:"LLM_BASE_URL" envDefault:"https://openrouter.ai/api/v1" validate:"required,url"`
	UpstreamModel       string        `env:"LLM_MODEL" envDefault:"meta-llama/llama-3.1-8b-instruct:free" validate:"required"`
	UpstreamTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"120s" validate:"gt=0"`
	UpstreamTemperature float64       `env:"LLM_TEMPERATURE" envDefault:"0.2" validate:"gte=0,lte=2"`
	UpstreamReferer     string        `env:"LLM_REFERER"`
	UpstreamTitle       string        `env:"LLM_TITLE" envDefault:"llm-keyrouter"`

	// Credentials: either a comma separated list with optional aligned
	// affinities, or a YAML key pool file naming the env var of each key.
	APIKeys       []string `env:"LLM_API_KEYS" envSeparator:","`
	KeyAffinities []string `env:"LLM_KEY_AFFINITIES" envSeparator:","`
	KeyPoolFile   string   `env:"KEY_POOL_FILE"`

	// Key pool
	RollingWindowSeconds int     `env:"ROLLING_WINDOW_SECONDS" envDefault:"60" validate:"gt=0"`
	QuotaPerWindow       int     `env:"QUOTA_PER_WINDOW" envDefault:"15" validate:"gt=0"`
	SoftQuotaFraction    float64 `env:"SOFT_QUOTA_FRACTION" envDefault:"0.67" validate:"gt=0,lte=1"`

	// Dispatcher
	MinInterCallSeconds  float64       `env:"MIN_INTER_CALL_SECONDS" envDefault:"2.5" validate:"gte=0"`
	MaxParallelCalls     int           `env:"MAX_PARALLEL_CALLS" envDefault:"1" validate:"gte=1"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`
	DispatchWaitTimeout  time.Duration `env:"DISPATCH_WAIT_TIMEOUT" envDefault:"90s" validate:"gt=0"`
	NearQuotaDelay       time.Duration `env:"NEAR_QUOTA_DELAY" envDefault:"5s" validate:"gte=0"`

	// Executor
	CooldownDurationSeconds int `env:"COOLDOWN_DURATION_SECONDS" envDefault:"120" validate:"gt=0"`
	RetryBackoffBaseSeconds int `env:"RETRY_BACKOFF_BASE_SECONDS" envDefault:"5" validate:"gte=0"`
	RetryMaxRetries         int `env:"RETRY_MAX_RETRIES" envDefault:"3" validate:"gte=0"`

	// Context ledger
	ContextHistoryDepth   int `env:"CONTEXT_HISTORY_DEPTH" envDefault:"10" validate:"gte=1"`
	ContextSummaryEntries int `env:"CONTEXT_SUMMARY_ENTRIES" envDefault:"4" validate:"gte=1"`
	ContextSummaryTokens  int `env:"CONTEXT_SUMMARY_TOKENS" envDefault:"96" validate:"gte=8"`

	// Consensus
	ConsensusInterRunDelay     time.Duration `env:"CONSENSUS_INTER_RUN_DELAY" envDefault:"10s" validate:"gte=0"`
	ConsensusRetryInterval     time.Duration `env:"CONSENSUS_RETRY_INTERVAL" envDefault:"15s" validate:"gte=0"`
	ConsensusMaxAttemptsPerRun int           `env:"CONSENSUS_MAX_ATTEMPTS_PER_RUN" envDefault:"5" validate:"gte=1"`
	ConsensusMaxTotalAttempts  int           `env:"CONSENSUS_MAX_TOTAL_ATTEMPTS" envDefault:"30" validate:"gte=1"`
	ConsensusMaxDuration       time.Duration `env:"CONSENSUS_MAX_DURATION" envDefault:"30m" validate:"gt=0"`

	// Shared limiter across processes; disabled when empty.
	RedisURL string `env:"REDIS_URL"`

	// Simulated upstream quota, used only when UpstreamMode is "simulated".
	SimulatedQuotaPerWindow int `env:"SIMULATED_QUOTA_PER_WINDOW" envDefault:"10" validate:"gte=1"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints declared in struct tags.
func (c Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// RollingWindow returns the usage window as a duration.
func (c Config) RollingWindow() time.Duration {
	return time.Duration(c.RollingWindowSeconds) * time.Second
}

// CooldownDuration returns how long a key is benched after a quota rejection.
func (c Config) CooldownDuration() time.Duration {
	if c.IsTest() {
		return 200 * time.Millisecond
	}
	return time.Duration(c.CooldownDurationSeconds) * time.Second
}

// MinInterCall returns the minimum spacing between two calls on the same key.
func (c Config) MinInterCall() time.Duration {
	if c.IsTest() {
		return 0
	}
	return time.Duration(c.MinInterCallSeconds * float64(time.Second))
}
