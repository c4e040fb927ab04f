package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Format selects the slog handler
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat accepts json or text
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	}
	return FormatJSON, fmt.Errorf("unknown log format %q", s)
}

// Config holds logger settings
type Config struct {
	Level          Level
	Format         Format
	Output         io.Writer
	AddSource      bool
	ServiceName    string
	ServiceVersion string
}

// DefaultConfig logs JSON at info level to stderr
func DefaultConfig() Config {
	return Config{
		Level:       LevelInfo,
		Format:      FormatJSON,
		Output:      os.Stderr,
		ServiceName: "foundry",
	}
}

// DevelopmentConfig logs human-readable text at debug level with source locations
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = LevelDebug
	cfg.Format = FormatText
	cfg.AddSource = true
	return cfg
}

// FromStrings builds a Config from the level and format names found in config files
func FromStrings(level, format string, out io.Writer) (Config, error) {
	cfg := DefaultConfig()
	lvl, err := ParseLevel(level)
	if err != nil {
		return cfg, err
	}
	f, err := ParseFormat(format)
	if err != nil {
		return cfg, err
	}
	cfg.Level = lvl
	cfg.Format = f
	if out != nil {
		cfg.Output = out
	}
	return cfg, nil
}
