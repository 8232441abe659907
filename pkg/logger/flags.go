package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugSSRC       bool
	DebugRouter     bool
	DebugTranscoder bool
	DebugHealth     bool
	DebugRetention  bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugSSRC, "debug-ssrc", false,
		"Enable SSRC-capture debugging (socket bind, captured header bytes)")
	fs.BoolVar(&f.DebugRouter, "debug-router", false,
		"Enable router RPC frame debugging (request/response bodies)")
	fs.BoolVar(&f.DebugTranscoder, "debug-transcoder", false,
		"Enable transcoder subprocess debugging (command line, stderr lines)")
	fs.BoolVar(&f.DebugHealth, "debug-health", false,
		"Enable health-monitor debugging (stale counters, restart decisions)")
	fs.BoolVar(&f.DebugRetention, "debug-retention", false,
		"Enable retention-manager debugging (prune decisions)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugSSRC {
			cfg.EnableCategory(DebugSSRC)
			cfg.Level = LevelDebug
		}
		if f.DebugRouter {
			cfg.EnableCategory(DebugRouter)
			cfg.Level = LevelDebug
		}
		if f.DebugTranscoder {
			cfg.EnableCategory(DebugTranscoder)
			cfg.Level = LevelDebug
		}
		if f.DebugHealth {
			cfg.EnableCategory(DebugHealth)
			cfg.Level = LevelDebug
		}
		if f.DebugRetention {
			cfg.EnableCategory(DebugRetention)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./vas-core

  Enable DEBUG level:
    ./vas-core --log-level debug
    ./vas-core -l debug

  Log to file:
    ./vas-core --log-file vas-core.log
    ./vas-core -o vas-core.log

  JSON format for structured logging:
    ./vas-core --log-format json -o vas-core.json

  Debug router RPC traffic only:
    ./vas-core --debug-router

  Debug health-monitor restart decisions only:
    ./vas-core --debug-health

  Debug multiple categories:
    ./vas-core --debug-router --debug-health --debug-transcoder

  Debug everything:
    ./vas-core --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./vas-core -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugSSRC {
			debugCategories = append(debugCategories, "ssrc")
		}
		if f.DebugRouter {
			debugCategories = append(debugCategories, "router")
		}
		if f.DebugTranscoder {
			debugCategories = append(debugCategories, "transcoder")
		}
		if f.DebugHealth {
			debugCategories = append(debugCategories, "health")
		}
		if f.DebugRetention {
			debugCategories = append(debugCategories, "retention")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
