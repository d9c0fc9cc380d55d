package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config selects and addresses the database.
type Config struct {
	Driver   string     `yaml:"driver" json:"driver" env:"DRIVER"`
	Host     string     `yaml:"host" json:"host" env:"HOST"`
	Port     int        `yaml:"port" json:"port" env:"PORT"`
	User     string     `yaml:"user" json:"user" env:"USER"`
	Password string     `yaml:"password" json:"-" env:"PASSWORD"`
	Name     string     `yaml:"name" json:"name" env:"NAME"`
	SSLMode  string     `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	Pool     PoolConfig `yaml:"pool" json:"pool"`
}

// DefaultConfig returns a local sqlite database.
func DefaultConfig() Config {
	return Config{
		Driver:  DriverSQLite,
		Host:    "localhost",
		Port:    5432,
		Name:    "personaflow.db",
		SSLMode: "disable",
		Pool:    DefaultPoolConfig(),
	}
}

// DSN renders the driver-specific connection string. For sqlite Name is the
// file path (or ":memory:").
func (c Config) DSN() (string, error) {
	switch strings.ToLower(c.Driver) {
	case DriverSQLite, "sqlite3":
		if c.Name == "" {
			return "", fmt.Errorf("sqlite requires a database name")
		}
		return c.Name, nil
	case DriverPostgres, "postgresql":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode), nil
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name), nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
}

// Dialector returns the GORM dialector for c.
func (c Config) Dialector() (gorm.Dialector, error) {
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(c.Driver) {
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return sqlite.Open(dsn), nil
	}
}

// Open connects to the database described by c and wraps it in a
// PoolManager.
func Open(c Config, logger *zap.Logger) (*PoolManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := c.Dialector()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", c.Driver, err)
	}

	pool := c.Pool
	if pool.MaxOpenConns <= 0 {
		pool = DefaultPoolConfig()
	}
	if strings.HasPrefix(c.Name, ":memory:") || strings.Contains(c.Name, "mode=memory") {
		// Each connection to an in-memory sqlite database sees its own copy.
		pool.MaxOpenConns = 1
		pool.MaxIdleConns = 1
		pool.ConnMaxLifetime = 0
		pool.ConnMaxIdleTime = 0
	}
	return NewPoolManager(db, pool, logger)
}
