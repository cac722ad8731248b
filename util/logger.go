package util

import (
	"strings"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds a named hclog logger from a config level string.
// Unknown levels fall back to info.
func NewLogger(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: ParseLevel(level),
	})
}

func ParseLevel(level string) hclog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return hclog.Trace
	case "debug":
		return hclog.Debug
	case "info", "":
		return hclog.Info
	case "warn", "warning":
		return hclog.Warn
	case "error":
		return hclog.Error
	case "off", "none":
		return hclog.Off
	}
	return hclog.Info
}
