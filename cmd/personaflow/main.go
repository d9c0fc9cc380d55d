package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/personaflow/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// exit status of a request that finished with failed tasks
const exitPartial = 2

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var code int
	switch os.Args[1] {
	case "run":
		code = runRequest(os.Args[2:])
	case "exec":
		code = runExec(os.Args[2:])
	case "serve":
		code = runServe(os.Args[2:])
	case "tasks":
		code = runTasks(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

// =============================================================================
// Shared setup
// =============================================================================

// loadConfig loads and validates the configuration at path, or the defaults
// plus environment when path is empty.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to config file (YAML)")
}

// setup loads the configuration and builds the root logger. Errors are
// reported on stderr.
func setup(path string) (*config.Config, *zap.Logger, bool) {
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, false
	}
	return cfg, initLogger(cfg.Log), true
}

// =============================================================================
// Version and help
// =============================================================================

func printVersion() {
	fmt.Printf("personaflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`personaflow - persona task orchestration with sandboxed code execution

Usage:
  personaflow <command> [options]

Commands:
  run       Run one request through the coordinator and its workers
  exec      Execute a source file in the sandbox
  serve     Serve health, metrics and the task dashboard over HTTP
  tasks     List persisted tasks
  version   Show version information
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  personaflow run "write a function that reverses a string and test it"
  personaflow run --json --config personaflow.yaml "summarize RFC 9110"
  personaflow exec --lang python script.py
  personaflow serve --config /etc/personaflow/config.yaml
  personaflow tasks --request 5f0c...`)
}

// =============================================================================
// Logger
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
