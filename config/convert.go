package config

import (
	"fmt"
	"time"

	"github.com/BaSui01/personaflow/collaboration"
	"github.com/BaSui01/personaflow/internal/database"
	"github.com/BaSui01/personaflow/internal/server"
	"github.com/BaSui01/personaflow/persistence"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/sandbox"
)

// ToEngineConfig converts the engine section.
func (e EngineConfig) ToEngineConfig() collaboration.Config {
	return collaboration.Config{
		MaxConcurrency:   e.MaxConcurrency,
		WorkerTimeout:    e.WorkerTimeout,
		ExecutionTimeout: e.ExecutionTimeout,
		CodeExecution:    e.CodeExecution,
	}
}

// ToSandboxConfig converts the sandbox section. Unknown image languages
// are an error.
func (s SandboxConfig) ToSandboxConfig() (sandbox.Config, error) {
	out := sandbox.DefaultConfig()
	out.Mode = sandbox.Mode(s.Mode)
	if s.Runtime != "" {
		out.Runtime = s.Runtime
	}
	out.DefaultTimeout = s.Timeout
	if s.MaxTimeout > 0 {
		out.MaxTimeout = s.MaxTimeout
	}
	out.MemoryLimitBytes = int64(s.MemoryLimitMB) << 20
	out.CPUQuotaFraction = s.CPUQuota
	out.NetworkEnabled = s.NetworkEnabled
	out.MaxOutputBytes = s.MaxOutputBytes
	out.WorkspaceRoot = s.WorkspaceRoot
	if s.PidsLimit > 0 {
		out.PidsLimit = s.PidsLimit
	}
	if s.User != "" {
		out.User = s.User
	}
	if s.TmpfsSize != "" {
		out.TmpfsSize = s.TmpfsSize
	}
	for name, image := range s.Images {
		lang, ok := sandbox.ParseLanguage(name)
		if !ok {
			return sandbox.Config{}, fmt.Errorf("sandbox.images: unsupported language %q", name)
		}
		out.Images[lang] = image
	}
	return out, nil
}

// ToHTTPConfig converts the llm section for the HTTP generator.
func (l LLMConfig) ToHTTPConfig() persona.HTTPConfig {
	return persona.HTTPConfig{
		BaseURL:      l.BaseURL,
		APIKey:       l.APIKey,
		Model:        l.Model,
		Timeout:      l.Timeout,
		EndpointPath: l.EndpointPath,
	}
}

// ToInvokerConfig combines the llm rate limit with the engine worker timeout.
func (c *Config) ToInvokerConfig() persona.InvokerConfig {
	return persona.InvokerConfig{
		Timeout:           c.Engine.WorkerTimeout,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
	}
}

// PersonaRegistry builds the persona registry, falling back to the built-in
// roster when no personas are configured.
func (c *Config) PersonaRegistry() (*persona.Registry, error) {
	roster := c.Personas
	if len(roster) == 0 {
		roster = persona.DefaultRoster()
	}
	return persona.NewRegistry(c.Engine.Coordinator, roster...)
}

// ToDatabaseConfig converts the database section.
func (d DatabaseConfig) ToDatabaseConfig() database.Config {
	pool := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		pool.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		pool.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		pool.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if d.ConnMaxIdleTime > 0 {
		pool.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	return database.Config{
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		Name:     d.Name,
		SSLMode:  d.SSLMode,
		Pool:     pool,
	}
}

// ToStoreConfig assembles the persistence configuration from the store,
// redis and database sections.
func (c *Config) ToStoreConfig() persistence.StoreConfig {
	return persistence.StoreConfig{
		Type:      persistence.StoreType(c.Store.Type),
		Dir:       c.Store.Dir,
		KeyPrefix: c.Store.KeyPrefix,
		Redis: persistence.RedisConfig{
			Addr:        c.Redis.Addr,
			Password:    c.Redis.Password,
			DB:          c.Redis.DB,
			PoolSize:    c.Redis.PoolSize,
			TLS:         c.Redis.TLS,
			DialTimeout: 5 * time.Second,
		},
		Database: c.Database.ToDatabaseConfig(),
	}
}

// ToServerConfig converts the server section for the HTTP manager.
func (s ServerConfig) ToServerConfig() server.Config {
	out := server.DefaultConfig()
	out.Addr = s.Addr
	if s.ReadTimeout > 0 {
		out.ReadTimeout = s.ReadTimeout
	}
	if s.WriteTimeout > 0 {
		out.WriteTimeout = s.WriteTimeout
	}
	if s.ShutdownTimeout > 0 {
		out.ShutdownTimeout = s.ShutdownTimeout
	}
	out.TLSCertFile = s.TLSCertFile
	out.TLSKeyFile = s.TLSKeyFile
	return out
}

// ToHandlerConfig converts the server section for the route handlers.
func (s ServerConfig) ToHandlerConfig() server.HandlerConfig {
	out := server.DefaultHandlerConfig()
	out.StreamInterval = s.StreamInterval
	out.AllowedOrigins = s.AllowedOrigins
	return out
}
