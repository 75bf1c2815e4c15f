package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"json", "text"}
)

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	configPaths     []string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration
}

func (f *rootFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringSliceVarP(&f.configPaths, "config", "c",
		splitEnvList(os.Getenv("TRIPSCOPE_CONFIG")),
		"Configuration file, repeat to layer overrides (env: TRIPSCOPE_CONFIG, comma separated)")
	pf.StringVar(&f.logLevel, "log-level",
		getEnv("TRIPSCOPE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TRIPSCOPE_LOG_LEVEL)")
	pf.StringVar(&f.logFormat, "log-format",
		getEnv("TRIPSCOPE_LOG_FORMAT", "json"),
		"Log format: json, text (env: TRIPSCOPE_LOG_FORMAT)")
	pf.DurationVar(&f.shutdownTimeout, "shutdown-timeout",
		getEnvDuration("TRIPSCOPE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: TRIPSCOPE_SHUTDOWN_TIMEOUT)")
}

func (f *rootFlags) validate() error {
	if !slices.Contains(validLevels, strings.ToLower(f.logLevel)) {
		return fmt.Errorf("invalid log level: %s", f.logLevel)
	}
	if !slices.Contains(validFormats, strings.ToLower(f.logFormat)) {
		return fmt.Errorf("invalid log format: %s", f.logFormat)
	}
	if f.shutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", f.shutdownTimeout)
	}
	for _, p := range f.configPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitEnvList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
