package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Scope selects where a component looks for its config file.
type Scope int

const (
	// SystemScope is for the bridge server, usually run as a service.
	SystemScope Scope = iota
	// UserScope is for the stdio client, launched by an MCP host under the
	// user's account.
	UserScope
)

// Dirs are the base directories a config path is resolved against.
type Dirs struct {
	Home        string
	ConfigHome  string // XDG_CONFIG_HOME
	AppData     string // APPDATA
	ProgramData string
}

// DefaultConfigPath returns the default path of the named config file for the
// current OS and user.
func DefaultConfigPath(scope Scope, name string) string {
	home, _ := os.UserHomeDir()
	return ResolveConfigPath(runtime.GOOS, scope, Dirs{
		Home:        home,
		ConfigHome:  os.Getenv("XDG_CONFIG_HOME"),
		AppData:     os.Getenv("APPDATA"),
		ProgramData: os.Getenv("ProgramData"),
	}, name)
}

// ResolveConfigPath builds the config path for goos without touching the
// environment.
func ResolveConfigPath(goos string, scope Scope, d Dirs, name string) string {
	switch goos {
	case "darwin":
		return filepath.Join(d.Home, "Library", "Application Support", "mcpbridge", name)
	case "windows":
		base := d.ProgramData
		if scope == UserScope {
			base = d.AppData
			if base == "" {
				base = filepath.Join(d.Home, "AppData", "Roaming")
			}
		} else if base == "" {
			base = "C:/ProgramData"
		}
		return filepath.Join(strings.TrimRight(base, "\\/"), "mcpbridge", name)
	default:
		if scope == SystemScope {
			return filepath.Join("/etc", "mcpbridge", name)
		}
		base := d.ConfigHome
		if base == "" {
			base = filepath.Join(d.Home, ".config")
		}
		return filepath.Join(base, "mcpbridge", name)
	}
}
