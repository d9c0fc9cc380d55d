// =============================================================================
// personaflow configuration loader
// =============================================================================
// YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("personaflow.yaml").
//	    WithEnvPrefix("PERSONAFLOW").
//	    Load()
//
// Priority: defaults → YAML file → environment
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/personaflow/persona"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "PERSONAFLOW"

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete personaflow configuration.
type Config struct {
	// Engine tunes request orchestration.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Sandbox tunes code execution.
	Sandbox SandboxConfig `yaml:"sandbox" env:"SANDBOX"`

	// Personas replaces the built-in roster when non-empty. YAML only.
	Personas []persona.Persona `yaml:"personas"`

	// LLM addresses the chat completions endpoint.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Store selects where tasks are persisted.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis is used by the redis task store.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database is used by the gorm task store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
}

// EngineConfig tunes the collaboration engine.
type EngineConfig struct {
	// Upper bound on tasks running at once
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// Per-invocation timeout, coordinator included
	WorkerTimeout time.Duration `yaml:"worker_timeout" env:"WORKER_TIMEOUT"`
	// Timeout handed to the sandbox for extracted code
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"EXECUTION_TIMEOUT"`
	// Run code found in worker responses
	CodeExecution bool `yaml:"code_execution" env:"CODE_EXECUTION"`
	// Name of the coordinating persona
	Coordinator string `yaml:"coordinator" env:"COORDINATOR"`
}

// SandboxConfig tunes the execution sandbox.
type SandboxConfig struct {
	// auto, container or process
	Mode string `yaml:"mode" env:"MODE"`
	// Container runtime binary
	Runtime        string        `yaml:"runtime" env:"RUNTIME"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxTimeout     time.Duration `yaml:"max_timeout" env:"MAX_TIMEOUT"`
	MemoryLimitMB  int           `yaml:"memory_limit_mb" env:"MEMORY_LIMIT_MB"`
	CPUQuota       float64       `yaml:"cpu_quota" env:"CPU_QUOTA"`
	NetworkEnabled bool          `yaml:"network_enabled" env:"NETWORK_ENABLED"`
	MaxOutputBytes int           `yaml:"max_output_bytes" env:"MAX_OUTPUT_BYTES"`
	// Directory holding per-execution workspaces; empty means the OS temp dir
	WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
	PidsLimit     int    `yaml:"pids_limit" env:"PIDS_LIMIT"`
	User          string `yaml:"user" env:"USER"`
	TmpfsSize     string `yaml:"tmpfs_size" env:"TMPFS_SIZE"`
	// Image per language, overriding the defaults. YAML only.
	Images map[string]string `yaml:"images"`
}

// LLMConfig addresses an OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	// Default model; personas may override it
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Shared rate limit across all workers; 0 disables it
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int     `yaml:"burst" env:"BURST"`
	EndpointPath      string  `yaml:"endpoint_path" env:"ENDPOINT_PATH"`
}

// StoreConfig selects the task store.
type StoreConfig struct {
	// memory, file, redis or gorm
	Type      string `yaml:"type" env:"TYPE"`
	Dir       string `yaml:"dir" env:"DIR"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig addresses Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	TLS      bool   `yaml:"tls" env:"TLS"`
}

// DatabaseConfig addresses the SQL database.
type DatabaseConfig struct {
	// postgres, mysql or sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
}

// LogConfig configures the root zap logger.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ServerConfig configures the status surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Push interval of the task stream
	StreamInterval time.Duration `yaml:"stream_interval" env:"STREAM_INTERVAL"`
	// Extra websocket origins, e.g. a dashboard on another host
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	TLSCertFile    string   `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile     string   `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// Bearer-token check on the /api routes
	Auth AuthConfig `yaml:"auth" env:"AUTH"`
}

// AuthConfig configures JWT verification. HS256 tokens verify against
// Secret, RS256 tokens against the PEM PublicKey.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to read.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
// Priority: defaults → YAML file → environment
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file means defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields carrying an env tag.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated strings
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads path and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.MaxConcurrency <= 0 {
		errs = append(errs, "engine.max_concurrency must be positive")
	}
	if c.Engine.WorkerTimeout < 0 {
		errs = append(errs, "engine.worker_timeout must not be negative")
	}
	if c.Engine.ExecutionTimeout < 0 {
		errs = append(errs, "engine.execution_timeout must not be negative")
	}
	if strings.TrimSpace(c.Engine.Coordinator) == "" {
		errs = append(errs, "engine.coordinator is required")
	}

	switch c.Sandbox.Mode {
	case "auto", "container", "process":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.mode %q is not one of auto, container, process", c.Sandbox.Mode))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, "sandbox.timeout must be positive")
	}
	if c.Sandbox.MaxTimeout > 0 && c.Sandbox.MaxTimeout < c.Sandbox.Timeout {
		errs = append(errs, "sandbox.max_timeout must not be below sandbox.timeout")
	}
	if c.Sandbox.MemoryLimitMB < 0 {
		errs = append(errs, "sandbox.memory_limit_mb must not be negative")
	}
	if c.Sandbox.CPUQuota < 0 {
		errs = append(errs, "sandbox.cpu_quota must not be negative")
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		errs = append(errs, "sandbox.max_output_bytes must be positive")
	}

	seen := make(map[string]bool, len(c.Personas))
	hasCoordinator := false
	for i, p := range c.Personas {
		if p.Name == c.Engine.Coordinator {
			hasCoordinator = true
		}
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			errs = append(errs, fmt.Sprintf("personas[%d].name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("personas[%d].name %q is duplicated", i, p.Name))
		}
		seen[name] = true
	}
	if len(c.Personas) > 0 && !hasCoordinator {
		errs = append(errs, fmt.Sprintf("engine.coordinator %q is not among personas", c.Engine.Coordinator))
	}

	if c.Server.Auth.Enabled && c.Server.Auth.Secret == "" && c.Server.Auth.PublicKey == "" {
		errs = append(errs, "server.auth requires secret or public_key when enabled")
	}

	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, "llm.requests_per_second must not be negative")
	}

	switch c.Store.Type {
	case "memory", "file", "redis", "gorm":
	default:
		errs = append(errs, fmt.Sprintf("store.type %q is not one of memory, file, redis, gorm", c.Store.Type))
	}
	if c.Store.Type == "file" && c.Store.Dir == "" {
		errs = append(errs, "store.dir is required for the file store")
	}
	if c.Store.Type == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required for the redis store")
	}
	if c.Store.Type == "gorm" {
		if _, err := c.Database.ToDatabaseConfig().DSN(); err != nil {
			errs = append(errs, "database: "+err.Error())
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is invalid", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.StreamInterval <= 0 {
		errs = append(errs, "server.stream_interval must be positive")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, "server.tls_cert_file and server.tls_key_file must be set together")
	}

	if len(errs) > 0 {
		return errors.New("config validation errors: " + strings.Join(errs, "; "))
	}

	return nil
}
