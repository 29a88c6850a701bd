package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the backend field.
const (
	BackendLlama  = "llama"
	BackendOpenAI = "openai"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are filled from Defaults by Merge.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	Backend   string `json:"backend" yaml:"backend" toml:"backend"`
	Model     string `json:"model" yaml:"model" toml:"model"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey    string `json:"api_key" yaml:"api_key" toml:"api_key"`

	// Generation constraints.
	MaxLength          int `json:"max_length" yaml:"max_length" toml:"max_length"`
	// NoRepeatNgramSize is a pointer so that 0 (no constraint) can be set
	// explicitly; nil means the default (2).
	NoRepeatNgramSize  *int `json:"no_repeat_ngram_size" yaml:"no_repeat_ngram_size" toml:"no_repeat_ngram_size"`
	NumReturnSequences int `json:"num_return_sequences" yaml:"num_return_sequences" toml:"num_return_sequences"`

	// Sampling; zero leaves the backend default.
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK        int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP        float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	Seed        int     `json:"seed" yaml:"seed" toml:"seed"`

	// In-process runtime.
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	Threads     int `json:"threads" yaml:"threads" toml:"threads"`

	// MaxConcurrent bounds simultaneous generations; nil means the default (1),
	// 0 disables the gate.
	MaxConcurrent *int     `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	ControlTokens []string `json:"control_tokens" yaml:"control_tokens" toml:"control_tokens"`

	// HTTP surface.
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	HTTPMetrics        bool     `json:"http_metrics" yaml:"http_metrics" toml:"http_metrics"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`

	LogLevel        string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat       string `json:"log_format" yaml:"log_format" toml:"log_format"`
	ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// Defaults returns the reference deployment configuration.
func Defaults() Config {
	one, two := 1, 2
	return Config{
		Addr:               "0.0.0.0:5000",
		MetricsAddr:        ":8000",
		Backend:            BackendLlama,
		Model:              "gpt-neo-125m",
		ModelsDir:          "~/models/llm",
		MaxLength:          100,
		NoRepeatNgramSize:  &two,
		NumReturnSequences: 1,
		ContextSize:        2048,
		Threads:            4,
		MaxConcurrent:      &one,
		ControlTokens:      []string{"<|endoftext|>", "<s>", "</s>", "<unk>", "<pad>", "<|im_start|>", "<|im_end|>"},
		LogLevel:           "info",
		LogFormat:          "json",
		ShutdownTimeout:    "5s",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Merge returns base with every non-zero field of over applied on top.
func Merge(base, over Config) Config {
	out := base
	setS(&out.Addr, over.Addr)
	setS(&out.MetricsAddr, over.MetricsAddr)
	setS(&out.Backend, over.Backend)
	setS(&out.Model, over.Model)
	setS(&out.ModelsDir, over.ModelsDir)
	setS(&out.BaseURL, over.BaseURL)
	setS(&out.APIKey, over.APIKey)
	setI(&out.MaxLength, over.MaxLength)
	if over.NoRepeatNgramSize != nil {
		v := *over.NoRepeatNgramSize
		out.NoRepeatNgramSize = &v
	}
	setI(&out.NumReturnSequences, over.NumReturnSequences)
	if over.Temperature != 0 {
		out.Temperature = over.Temperature
	}
	setI(&out.TopK, over.TopK)
	if over.TopP != 0 {
		out.TopP = over.TopP
	}
	setI(&out.Seed, over.Seed)
	setI(&out.ContextSize, over.ContextSize)
	setI(&out.Threads, over.Threads)
	if over.MaxConcurrent != nil {
		v := *over.MaxConcurrent
		out.MaxConcurrent = &v
	}
	if len(over.ControlTokens) > 0 {
		out.ControlTokens = append([]string(nil), over.ControlTokens...)
	}
	if over.MaxBodyBytes != 0 {
		out.MaxBodyBytes = over.MaxBodyBytes
	}
	out.HTTPMetrics = out.HTTPMetrics || over.HTTPMetrics
	out.CORSEnabled = out.CORSEnabled || over.CORSEnabled
	if len(over.CORSAllowedOrigins) > 0 {
		out.CORSAllowedOrigins = append([]string(nil), over.CORSAllowedOrigins...)
	}
	if len(over.CORSAllowedMethods) > 0 {
		out.CORSAllowedMethods = append([]string(nil), over.CORSAllowedMethods...)
	}
	if len(over.CORSAllowedHeaders) > 0 {
		out.CORSAllowedHeaders = append([]string(nil), over.CORSAllowedHeaders...)
	}
	setS(&out.LogLevel, over.LogLevel)
	setS(&out.LogFormat, over.LogFormat)
	setS(&out.ShutdownTimeout, over.ShutdownTimeout)
	return out
}

// ApplyEnv overrides fields from CHATD_* environment variables.
// lookup is usually os.LookupEnv.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) (Config, error) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	str("CHATD_ADDR", &cfg.Addr)
	str("CHATD_METRICS_ADDR", &cfg.MetricsAddr)
	str("CHATD_BACKEND", &cfg.Backend)
	str("CHATD_MODEL", &cfg.Model)
	str("CHATD_MODELS_DIR", &cfg.ModelsDir)
	str("CHATD_BASE_URL", &cfg.BaseURL)
	str("CHATD_API_KEY", &cfg.APIKey)
	str("CHATD_LOG_LEVEL", &cfg.LogLevel)
	str("CHATD_LOG_FORMAT", &cfg.LogFormat)
	if err := num("CHATD_THREADS", &cfg.Threads); err != nil {
		return cfg, err
	}
	if v, ok := lookup("CHATD_MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("CHATD_MAX_BODY_BYTES: %w", err)
		}
		cfg.MaxBodyBytes = n
	}
	for key, dst := range map[string]*bool{
		"CHATD_HTTP_METRICS": &cfg.HTTPMetrics,
		"CHATD_CORS_ENABLED": &cfg.CORSEnabled,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	if v, ok := lookup("CHATD_CORS_ORIGINS"); ok && v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v, ok := lookup("CHATD_CORS_METHODS"); ok && v != "" {
		cfg.CORSAllowedMethods = splitCSV(v)
	}
	if v, ok := lookup("CHATD_CORS_HEADERS"); ok && v != "" {
		cfg.CORSAllowedHeaders = splitCSV(v)
	}
	if v, ok := lookup("CHATD_NO_REPEAT_NGRAM_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CHATD_NO_REPEAT_NGRAM_SIZE: %w", err)
		}
		cfg.NoRepeatNgramSize = &n
	}
	if v, ok := lookup("CHATD_MAX_CONCURRENT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CHATD_MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = &n
	}
	return cfg, nil
}

// Validate reports configuration errors that would prevent startup.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLlama, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendLlama, BackendOpenAI)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if c.Backend == BackendOpenAI && strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url is required for the %s backend", BackendOpenAI)
	}
	if c.MaxLength <= 0 {
		return fmt.Errorf("max_length must be positive")
	}
	if c.NoRepeatNgramSize != nil && *c.NoRepeatNgramSize < 0 {
		return fmt.Errorf("no_repeat_ngram_size must not be negative")
	}
	if c.NumReturnSequences != 1 {
		return fmt.Errorf("num_return_sequences must be 1")
	}
	if c.MaxConcurrent != nil && *c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	if _, err := c.ShutdownGrace(); err != nil {
		return err
	}
	return nil
}

// Concurrency returns the effective generation concurrency limit.
func (c Config) Concurrency() int {
	if c.MaxConcurrent == nil {
		return 1
	}
	return *c.MaxConcurrent
}

// NgramSize returns the effective no_repeat_ngram_size.
func (c Config) NgramSize() int {
	if c.NoRepeatNgramSize == nil {
		return 2
	}
	return *c.NoRepeatNgramSize
}

// ShutdownGrace parses ShutdownTimeout, defaulting to 5s.
func (c Config) ShutdownGrace() (time.Duration, error) {
	if c.ShutdownTimeout == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("shutdown_timeout: %w", err)
	}
	return d, nil
}

func setS(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setI(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// splitCSV splits a comma separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
