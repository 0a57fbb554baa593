package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the child MCP server launched by the bridge.
const (
	DefaultMCPCommand  = "node"
	DefaultMCPArgs     = "/tools/dev/gologin-puppet-mcp/dist/index.js"
	DefaultMaxBodySize = 50 << 20
)

// ServerConfig holds configuration for the HTTP bridge server.
type ServerConfig struct {
	ConfigFile    string    `yaml:"-"`
	LogLevel      string    `yaml:"logLevel"`
	LogFormat     string    `yaml:"logFormat"`
	ListenHost    string    `yaml:"listenHost"`
	Port          int       `yaml:"port"`
	MetricsAddr   string    `yaml:"metricsAddr"`
	MaxBodyBytes  int64     `yaml:"maxBodyBytes"`
	ExposeStack   bool      `yaml:"exposeStack"`
	InitOnStartup bool      `yaml:"initOnStartup"`
	MCP           MCPConfig `yaml:"mcp"`
}

// MCPConfig describes the child MCP server spawned over stdio.
type MCPConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Env lists variables passed to the child. Each entry is either "KEY"
	// to copy from the bridge environment or "KEY=value".
	Env         []string      `yaml:"env"`
	WorkDir     string        `yaml:"workDir"`
	InitTimeout time.Duration `yaml:"initTimeout"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	StopTimeout time.Duration `yaml:"stopTimeout"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *ServerConfig) BindFlags() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath(SystemScope, "server.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")
	c.LogFormat = GetEnv("LOG_FORMAT", "console")
	c.ListenHost = GetEnv("LISTEN_HOST", "0.0.0.0")
	port, err := strconv.Atoi(GetEnv("PORT", "3001"))
	if err != nil {
		port = 3001
	}
	c.Port = port
	mp := GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	if v, err := strconv.ParseInt(GetEnv("MAX_BODY_BYTES", ""), 10, 64); err == nil && v > 0 {
		c.MaxBodyBytes = v
	} else {
		c.MaxBodyBytes = DefaultMaxBodySize
	}
	c.ExposeStack = parseBool(GetEnv("EXPOSE_STACK", "true"), true)
	c.InitOnStartup = parseBool(GetEnv("INIT_ON_STARTUP", "true"), true)

	c.MCP.Command = GetEnv("MCP_COMMAND", DefaultMCPCommand)
	c.MCP.Args = splitComma(GetEnv("MCP_ARGS", DefaultMCPArgs))
	c.MCP.Env = splitComma(GetEnv("MCP_ENV", ""))
	c.MCP.WorkDir = GetEnv("MCP_WORKDIR", "")
	c.MCP.InitTimeout = parseDuration(GetEnv("MCP_INIT_TIMEOUT", "30s"), 30*time.Second)
	c.MCP.CallTimeout = parseDuration(GetEnv("MCP_CALL_TIMEOUT", "5m"), 5*time.Minute)
	c.MCP.StopTimeout = parseDuration(GetEnv("MCP_STOP_TIMEOUT", "2s"), 2*time.Second)

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (console, plain, json)")
	flag.StringVar(&c.ListenHost, "listen-host", c.ListenHost, "HTTP listen host")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; served on the API port when empty")
	flag.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "maximum accepted request body size")
	flag.BoolVar(&c.ExposeStack, "expose-stack", c.ExposeStack, "include the error chain in failed call responses")
	flag.BoolVar(&c.InitOnStartup, "init-on-startup", c.InitOnStartup, "spawn the MCP server at startup instead of on first request")
	flag.StringVar(&c.MCP.Command, "mcp-command", c.MCP.Command, "MCP server executable")
	flag.Var(newCSVValue(&c.MCP.Args), "mcp-args", "comma separated MCP server arguments")
	flag.Var(newCSVValue(&c.MCP.Env), "mcp-env", "comma separated environment passed to the MCP server (KEY or KEY=value)")
	flag.StringVar(&c.MCP.WorkDir, "mcp-workdir", c.MCP.WorkDir, "MCP server working directory")
	flag.DurationVar(&c.MCP.InitTimeout, "mcp-init-timeout", c.MCP.InitTimeout, "timeout for spawning and initializing the MCP server")
	flag.DurationVar(&c.MCP.CallTimeout, "mcp-call-timeout", c.MCP.CallTimeout, "timeout for a single MCP request")
	flag.DurationVar(&c.MCP.StopTimeout, "mcp-stop-timeout", c.MCP.StopTimeout, "grace period before the MCP server is killed on shutdown")
}

// ApplyArgs overrides the MCP command with positional arguments, as in
// `mcpbridge-server -- node server.js`.
func (c *ServerConfig) ApplyArgs(args []string) {
	if len(args) == 0 {
		return
	}
	c.MCP.Command = args[0]
	c.MCP.Args = append([]string(nil), args[1:]...)
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.Port)
}

// MetricsOnAPIPort reports whether /metrics is served by the API listener.
func (c ServerConfig) MetricsOnAPIPort() bool {
	return c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port)
}

// Validate reports configuration that cannot start a bridge.
func (c ServerConfig) Validate() error {
	if c.MCP.Command == "" {
		return fmt.Errorf("mcp command not configured")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func parseDuration(v string, d time.Duration) time.Duration {
	p, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return p
}

func parseBool(v string, d bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}
