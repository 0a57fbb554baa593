package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig holds configuration for the stdio MCP proxy that forwards to a bridge.
type ClientConfig struct {
	ConfigFile     string        `yaml:"-"`
	LogLevel       string        `yaml:"logLevel"`
	LogFormat      string        `yaml:"logFormat"`
	BridgeURL      string        `yaml:"bridgeURL"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MetricsAddr    string        `yaml:"metricsAddr"`
	Monitor        bool          `yaml:"monitor"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ClientConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath(UserScope, "client.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	// MCP hosts usually capture stderr into files; keep it free of color codes.
	c.LogFormat = GetEnv("LOG_FORMAT", "plain")
	c.BridgeURL = GetEnv("BRIDGE_URL", "http://127.0.0.1:3001")
	c.RequestTimeout = parseDuration(GetEnv("REQUEST_TIMEOUT", "5m"), 5*time.Minute)
	mp := GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.Monitor = parseBool(GetEnv("MONITOR_BRIDGE", "true"), true)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "client config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format written to stderr (console, plain, json)")
	flag.StringVar(&c.BridgeURL, "bridge-url", c.BridgeURL, "base URL of the HTTP bridge (e.g. http://127.0.0.1:3001)")
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout for a single bridge request")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty)")
	flag.BoolVar(&c.Monitor, "monitor", c.Monitor, "periodically probe the bridge health endpoint and log its readiness")
}

// Validate reports configuration that cannot reach a bridge.
func (c ClientConfig) Validate() error {
	u, err := url.Parse(c.BridgeURL)
	if err != nil {
		return fmt.Errorf("invalid bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid bridge url %q: scheme must be http or https", c.BridgeURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid bridge url %q: missing host", c.BridgeURL)
	}
	return nil
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
