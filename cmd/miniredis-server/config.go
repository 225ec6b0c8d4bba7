package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr        string
	logFormat         string
	logLevel          string
	metricsAddr       string
	maxConnections    int
	broadcastCapacity int
	logMetricsEvery   time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":6379", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	maxConnections := flag.Int("max-connections", 250, "Maximum simultaneous client connections")
	broadcastCapacity := flag.Int("broadcast-capacity", 1024, "Per-channel pub/sub ring buffer capacity")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.maxConnections = *maxConnections
	cfg.broadcastCapacity = *broadcastCapacity
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.maxConnections <= 0 {
		return fmt.Errorf("max-connections must be > 0 (got %d)", c.maxConnections)
	}
	if c.broadcastCapacity <= 0 {
		return fmt.Errorf("broadcast-capacity must be > 0 (got %d)", c.broadcastCapacity)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps MINIREDIS_* environment variables to config fields
// unless a corresponding flag was explicitly set. Flags always win.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["listen"]; !ok {
		if v, ok := get("MINIREDIS_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("MINIREDIS_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("MINIREDIS_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("MINIREDIS_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["max-connections"]; !ok {
		if v, ok := get("MINIREDIS_MAX_CONNECTIONS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxConnections = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MINIREDIS_MAX_CONNECTIONS: %w", err)
			}
		}
	}
	if _, ok := set["broadcast-capacity"]; !ok {
		if v, ok := get("MINIREDIS_BROADCAST_CAPACITY"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.broadcastCapacity = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MINIREDIS_BROADCAST_CAPACITY: %w", err)
			}
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("MINIREDIS_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid MINIREDIS_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
