// Package config parses the CLI/env surface for the three audio-plane
// binaries (cmd/apin, cmd/apout, cmd/sttd). Precedence is CLI flags > env
// vars > defaults, matching the rest of the fabric's conventions.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "AUDIOFAB_"

// Common holds the logging and metrics configuration shared by every
// binary.
type Common struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func registerCommonFlags(fs *flag.FlagSet, c *Common) {
	fs.StringVar(&c.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables)")
}

func applyCommonEnvOverrides(fs *flag.FlagSet, c *Common, set map[string]bool) {
	if !set["log-level"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if !set["log-format"] {
		if v, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if !set["metrics-addr"] {
		if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok && v != "" {
			c.MetricsAddr = v
		}
	}
}

func (c *Common) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)
	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Common) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Common) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ProcessorConfig is the CLI/env surface shared by the inbound and
// outbound audio processor binaries: a base port and a call id, from
// which every other port in the fabric is derived by fixed offset.
type ProcessorConfig struct {
	Common
	Port   int
	CallID int
}

// LoadProcessor parses os.Args for an audio processor binary. progName
// is used only for the flag.FlagSet name (and therefore usage output).
func LoadProcessor(progName string) (*ProcessorConfig, error) {
	cfg := &ProcessorConfig{}
	fs := flag.NewFlagSet(progName, flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", 0, "base TCP/UDP port for this call's derived ports")
	fs.IntVar(&cfg.CallID, "call-id", -1, "call id this processor instance serves")
	registerCommonFlags(fs, &cfg.Common)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyCommonEnvOverrides(fs, &cfg.Common, set)
	if !set["port"] {
		if v, ok := os.LookupEnv(envPrefix + "PORT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Port = n
			}
		}
	}
	if !set["call-id"] {
		if v, ok := os.LookupEnv(envPrefix + "CALL_ID"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.CallID = n
			}
		}
	}

	if cfg.CallID < 0 {
		return nil, fmt.Errorf("call-id is required and must be non-negative")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if err := cfg.Common.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SttConfig is the CLI/env surface for the STT service shell.
type SttConfig struct {
	Common
	Model     string
	Database  string
	Threads   int
	LlamaHost string
	LlamaPort int
}

const (
	defaultThreads   = 8
	defaultLlamaHost = "127.0.0.1"
	defaultLlamaPort = 8083
)

// LoadStt parses os.Args for the STT service shell binary.
func LoadStt() (*SttConfig, error) {
	cfg := &SttConfig{}
	fs := flag.NewFlagSet("sttd", flag.ContinueOnError)
	fs.StringVar(&cfg.Model, "model", "", "path to the whisper.cpp model file")
	fs.StringVar(&cfg.Database, "database", "", "path to the read-only SQLite configuration store")
	fs.IntVar(&cfg.Threads, "threads", defaultThreads, "inference thread count")
	fs.StringVar(&cfg.LlamaHost, "llama-host", defaultLlamaHost, "LLM host to forward transcriptions to")
	fs.IntVar(&cfg.LlamaPort, "llama-port", defaultLlamaPort, "LLM port to forward transcriptions to")
	registerCommonFlags(fs, &cfg.Common)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyCommonEnvOverrides(fs, &cfg.Common, set)

	envMap := map[string]*string{
		"model":      &cfg.Model,
		"database":   &cfg.Database,
		"llama-host": &cfg.LlamaHost,
	}
	for name, dst := range envMap {
		if set[name] {
			continue
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			*dst = v
		}
	}
	if !set["threads"] {
		if v, ok := os.LookupEnv(envPrefix + "THREADS"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Threads = n
			}
		}
	}
	if !set["llama-port"] {
		if v, ok := os.LookupEnv(envPrefix + "LLAMA_PORT"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.LlamaPort = n
			}
		}
	}

	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Threads < 1 {
		return nil, fmt.Errorf("threads must be >= 1, got %d", cfg.Threads)
	}
	if cfg.LlamaPort < 1 || cfg.LlamaPort > 65535 {
		return nil, fmt.Errorf("llama-port must be between 1 and 65535, got %d", cfg.LlamaPort)
	}
	if err := cfg.Common.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
