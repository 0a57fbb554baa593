package config

import (
	"os"
	"strings"
)

// GetEnv returns the value of the environment variable k or d when unset or empty.
func GetEnv(k, d string) string {
	if v := env(k); v != "" {
		return v
	}
	return d
}

var env = os.Getenv

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// csvValue is a flag.Value for comma separated lists.
type csvValue struct {
	dst *[]string
}

func newCSVValue(dst *[]string) *csvValue { return &csvValue{dst: dst} }

func (c *csvValue) String() string {
	if c.dst == nil {
		return ""
	}
	return strings.Join(*c.dst, ",")
}

func (c *csvValue) Set(v string) error {
	*c.dst = splitComma(v)
	return nil
}
