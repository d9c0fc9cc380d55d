package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/personaflow/persistence"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/sandbox"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "personaflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_concurrency: 8
  worker_timeout: 45s
  code_execution: false
  coordinator: lead

sandbox:
  mode: process
  timeout: 5s
  memory_limit_mb: 128
  images:
    py: python:3.11-alpine

personas:
  - name: lead
    role: planning
    system_prompt: You plan.
  - name: coder
    role: implementation
    system_prompt: You code.
    model: gpt-4o

store:
  type: file
  dir: /var/lib/personaflow

redis:
  addr: redis.example.com:6379
  password: secret
  db: 1

log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Engine.WorkerTimeout)
	assert.False(t, cfg.Engine.CodeExecution)
	assert.Equal(t, "lead", cfg.Engine.Coordinator)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Engine.ExecutionTimeout)

	assert.Equal(t, "process", cfg.Sandbox.Mode)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 128, cfg.Sandbox.MemoryLimitMB)
	assert.Equal(t, "python:3.11-alpine", cfg.Sandbox.Images["py"])

	require.Len(t, cfg.Personas, 2)
	assert.Equal(t, "coder", cfg.Personas[1].Name)
	assert.Equal(t, "gpt-4o", cfg.Personas[1].Model)

	assert.Equal(t, "file", cfg.Store.Type)
	assert.Equal(t, "/var/lib/personaflow", cfg.Store.Dir)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("PERSONAFLOW_ENGINE_MAX_CONCURRENCY", "2")
	t.Setenv("PERSONAFLOW_ENGINE_WORKER_TIMEOUT", "90s")
	t.Setenv("PERSONAFLOW_SANDBOX_NETWORK_ENABLED", "true")
	t.Setenv("PERSONAFLOW_SANDBOX_CPU_QUOTA", "1.5")
	t.Setenv("PERSONAFLOW_LLM_API_KEY", "sk-test")
	t.Setenv("PERSONAFLOW_DATABASE_PORT", "3306")
	t.Setenv("PERSONAFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/personaflow.log")
	t.Setenv("PERSONAFLOW_SERVER_AUTH_ENABLED", "true")
	t.Setenv("PERSONAFLOW_SERVER_AUTH_SECRET", "hmac-secret")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Engine.WorkerTimeout)
	assert.True(t, cfg.Sandbox.NetworkEnabled)
	assert.Equal(t, 1.5, cfg.Sandbox.CPUQuota)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, []string{"stdout", "/tmp/personaflow.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Server.Auth.Enabled)
	assert.Equal(t, "hmac-secret", cfg.Server.Auth.Secret)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_concurrency: 8
llm:
  model: yaml-model
`)
	t.Setenv("PERSONAFLOW_ENGINE_MAX_CONCURRENCY", "3")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "yaml-model", cfg.LLM.Model)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_ADDR", ":9999")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("PERSONAFLOW_ENGINE_WORKER_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERSONAFLOW_ENGINE_WORKER_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("PERSONAFLOW_ENGINE_MAX_CONCURRENCY", "0")

	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_concurrency")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/personaflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_concurrency: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "zero concurrency",
			mutate:  func(c *Config) { c.Engine.MaxConcurrency = 0 },
			wantErr: "engine.max_concurrency",
		},
		{
			name:    "bad sandbox mode",
			mutate:  func(c *Config) { c.Sandbox.Mode = "vm" },
			wantErr: "sandbox.mode",
		},
		{
			name: "max timeout below timeout",
			mutate: func(c *Config) {
				c.Sandbox.Timeout = time.Minute
				c.Sandbox.MaxTimeout = time.Second
			},
			wantErr: "sandbox.max_timeout",
		},
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Store.Type = "etcd" },
			wantErr: "store.type",
		},
		{
			name: "gorm with bad driver",
			mutate: func(c *Config) {
				c.Store.Type = "gorm"
				c.Database.Driver = "oracle"
			},
			wantErr: "database:",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "auth without key material",
			mutate:  func(c *Config) { c.Server.Auth.Enabled = true },
			wantErr: "server.auth",
		},
		{
			name: "auth with secret",
			mutate: func(c *Config) {
				c.Server.Auth.Enabled = true
				c.Server.Auth.Secret = "s3cret"
			},
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 2 },
			wantErr: "telemetry.sample_rate",
		},
		{
			name: "coordinator missing from personas",
			mutate: func(c *Config) {
				c.Personas = []persona.Persona{{Name: "coder"}}
			},
			wantErr: "engine.coordinator",
		},
		{
			name: "duplicate persona",
			mutate: func(c *Config) {
				c.Personas = []persona.Persona{{Name: "coordinator"}, {Name: "Coordinator"}}
			},
			wantErr: "duplicated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateAggregates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MaxConcurrency = 0
	cfg.Server.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.max_concurrency")
	assert.Contains(t, err.Error(), "server.addr")
}

func TestSandboxConfig_ToSandboxConfig(t *testing.T) {
	s := DefaultSandboxConfig()
	s.MemoryLimitMB = 64
	s.Images = map[string]string{"js": "node:22-alpine"}

	out, err := s.ToSandboxConfig()
	require.NoError(t, err)
	assert.Equal(t, sandbox.ModeAuto, out.Mode)
	assert.Equal(t, int64(64<<20), out.MemoryLimitBytes)
	assert.Equal(t, "node:22-alpine", out.Images[sandbox.LangJavaScript])
	assert.Equal(t, sandbox.DefaultImages()[sandbox.LangPython], out.Images[sandbox.LangPython])

	s.Images = map[string]string{"cobol": "cobol:latest"}
	_, err = s.ToSandboxConfig()
	assert.Error(t, err)
}

func TestConfig_ToStoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Type = "redis"
	cfg.Redis.Addr = "cache:6379"
	cfg.Redis.TLS = true
	cfg.Database.MaxOpenConns = 7

	out := cfg.ToStoreConfig()
	assert.Equal(t, persistence.StoreTypeRedis, out.Type)
	assert.Equal(t, "cache:6379", out.Redis.Addr)
	assert.True(t, out.Redis.TLS)
	assert.Equal(t, "personaflow:", out.KeyPrefix)
	assert.Equal(t, 7, out.Database.Pool.MaxOpenConns)
	assert.Equal(t, 5, out.Database.Pool.MaxIdleConns)
}

func TestConfig_PersonaRegistry(t *testing.T) {
	cfg := DefaultConfig()
	reg, err := cfg.PersonaRegistry()
	require.NoError(t, err)
	assert.Equal(t, "coordinator", reg.Coordinator().Name)
	assert.Contains(t, reg.KnownWorkers(), "nova")

	cfg.Engine.Coordinator = "lead"
	cfg.Personas = []persona.Persona{{Name: "lead"}, {Name: "coder"}}
	reg, err = cfg.PersonaRegistry()
	require.NoError(t, err)
	assert.Equal(t, []string{"coder"}, reg.KnownWorkers())
}

func TestConfig_ToEngineAndInvokerConfig(t *testing.T) {
	cfg := DefaultConfig()
	engine := cfg.Engine.ToEngineConfig()
	assert.Equal(t, 4, engine.MaxConcurrency)
	assert.True(t, engine.CodeExecution)

	inv := cfg.ToInvokerConfig()
	assert.Equal(t, 2*time.Minute, inv.Timeout)
	assert.Equal(t, 2.0, inv.RequestsPerSecond)
	assert.Equal(t, 4, inv.Burst)

	http := cfg.LLM.ToHTTPConfig()
	assert.Equal(t, "https://api.openai.com", http.BaseURL)
	assert.Equal(t, "/v1/chat/completions", http.EndpointPath)
}

func TestServerConfig_Conversions(t *testing.T) {
	s := DefaultServerConfig()
	s.Addr = "127.0.0.1:9000"
	s.AllowedOrigins = []string{"dash.example.com"}

	sc := s.ToServerConfig()
	assert.Equal(t, "127.0.0.1:9000", sc.Addr)
	assert.Equal(t, 15*time.Second, sc.ShutdownTimeout)
	assert.Empty(t, sc.TLSCertFile)

	hc := s.ToHandlerConfig()
	assert.Equal(t, time.Second, hc.StreamInterval)
	assert.Equal(t, []string{"dash.example.com"}, hc.AllowedOrigins)

	cfg := DefaultConfig()
	cfg.Server.TLSCertFile = "cert.pem"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set together")
}

func TestMustLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "engine: [")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("PERSONAFLOW_STORE_TYPE", "file")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Type)
}
