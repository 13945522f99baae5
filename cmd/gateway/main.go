// Package main is the entry point for the avaproxy reverse proxy.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	watch       bool
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(flags, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avaproxy",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("rules", len(cfg.Rules)),
		observability.Int("ports", len(cfg.Ports())),
	)

	app, err := initApplication(cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize application", observability.Error(err))
		return
	}

	runGateway(app, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("avaproxy", flag.ExitOnError)
	configPath := fs.String("config", envString("CONFIG_PATH", "configs/avaproxy.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", envString("LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration")
	logFormat := fs.String("log-format", envString("LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration")
	watch := fs.Bool("watch", envBool("WATCH_CONFIG", true),
		"Reload the configuration when the file changes")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		watch:       *watch,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("avaproxy version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads and validates the configuration file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg, builtinInterceptorTypes()...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogger builds the logger. Flags win over the configuration, which
// wins over the defaults.
func initLogger(flags cliFlags, cfg *config.Config) (observability.Logger, error) {
	logCfg := observability.DefaultLogConfig()
	if cfg != nil {
		if cfg.Observability.Logging.Level != "" {
			logCfg.Level = cfg.Observability.Logging.Level
		}
		if cfg.Observability.Logging.Format != "" {
			logCfg.Format = cfg.Observability.Logging.Format
		}
		if cfg.Observability.Logging.Output != "" {
			logCfg.Output = cfg.Observability.Logging.Output
		}
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		logCfg.Format = flags.logFormat
	}
	return observability.NewLogger(logCfg)
}

// fatalWithSync flushes the logger before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}
