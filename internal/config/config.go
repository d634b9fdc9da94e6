package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort        = 5000
	DefaultModel       = "openai/gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 800
	DefaultTimeout     = 30 * time.Second
	DefaultUpstreamURL = "https://openrouter.ai/api/v1/chat/completions"
	DefaultStaticDir   = "static"
)

// Environment variables consulted after the YAML file and the .env file.
const (
	EnvAPIKey      = "OPENROUTER_API_KEY"
	EnvModel       = "MODEL"
	EnvTemperature = "TEMPERATURE"
	EnvMaxTokens   = "MAX_TOKENS"
	EnvUpstreamURL = "OPENROUTER_URL"
	EnvTimeout     = "UPSTREAM_TIMEOUT"
	EnvPort        = "PORT"
	EnvStaticDir   = "STATIC_DIR"
	EnvCORSOrigins = "CORS_ORIGINS"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines listener configuration and the browser-facing surface.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	StaticDir   string   `yaml:"static_dir"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// UpstreamConfig describes the completion provider and the fixed generation settings
// applied to every relayed turn.
type UpstreamConfig struct {
	APIKey      string        `yaml:"api_key"`
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Headers     Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with every upstream request.
type Headers map[string]string

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration populated with the built-in defaults. The API key
// is left empty and must come from the file or the environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        DefaultPort,
			StaticDir:   DefaultStaticDir,
			CORSOrigins: []string{"*"},
		},
		Upstream: UpstreamConfig{
			URL:         DefaultUpstreamURL,
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			Timeout:     DefaultTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, an optional
// dotenv file and the process environment, in that order of precedence, then validates it.
// An empty path skips the YAML step. A missing dotenv file is logged as a warning.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("load env file %q: %w", envFile, err)
			}
			slog.Warn("env file not found, continuing with process environment", "path", envFile)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", absPath, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", absPath, err)
	}
	return nil
}

// applyEnv overlays environment values onto the configuration. Malformed numeric
// values are reported here so a bad TEMPERATURE fails at startup rather than per request.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get(EnvAPIKey); ok {
		c.Upstream.APIKey = v
	}
	if v, ok := get(EnvModel); ok {
		c.Upstream.Model = v
	}
	if v, ok := get(EnvUpstreamURL); ok {
		c.Upstream.URL = v
	}
	if v, ok := get(EnvTemperature); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid float %q: %w", EnvTemperature, v, err)
		}
		c.Upstream.Temperature = f
	}
	if v, ok := get(EnvMaxTokens); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q: %w", EnvMaxTokens, v, err)
		}
		c.Upstream.MaxTokens = n
	}
	if v, ok := get(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", EnvTimeout, v, err)
		}
		c.Upstream.Timeout = d
	}
	if v, ok := get(EnvPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q: %w", EnvPort, v, err)
		}
		c.Server.Port = n
	}
	if v, ok := get(EnvStaticDir); ok {
		c.Server.StaticDir = v
	}
	if v, ok := get(EnvCORSOrigins); ok {
		origins := make([]string, 0)
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		c.Server.CORSOrigins = origins
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := get(EnvLogFormat); ok {
		c.Log.Format = v
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if len(c.Server.CORSOrigins) == 0 {
		return errors.New("server.cors_origins must list at least one origin")
	}

	if err := c.Upstream.validate(); err != nil {
		return err
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be one of %q or %q", c.Log.Format, "text", "json")
	}
	return nil
}

func (u UpstreamConfig) validate() error {
	if strings.TrimSpace(u.APIKey) == "" {
		return fmt.Errorf("upstream.api_key must be provided (or set %s)", EnvAPIKey)
	}
	if strings.TrimSpace(u.Model) == "" {
		return errors.New("upstream.model must not be empty")
	}
	if u.Temperature < 0 || u.Temperature > 2 {
		return fmt.Errorf("upstream.temperature must be between 0 and 2, got %v", u.Temperature)
	}
	if u.MaxTokens <= 0 {
		return fmt.Errorf("upstream.max_tokens must be positive, got %d", u.MaxTokens)
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", u.Timeout)
	}

	parsed, err := url.Parse(u.URL)
	if err != nil {
		return fmt.Errorf("upstream.url %q: %w", u.URL, err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("upstream.url %q must use http or https", u.URL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream.url %q must include a host", u.URL)
	}

	for headerKey := range u.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
		if _, ok := managedHeaders[http.CanonicalHeaderKey(headerKey)]; ok {
			return fmt.Errorf("upstream: header %q is set by the relay and cannot be overridden", headerKey)
		}
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", l.Level)
	}
}

// managedHeaders are written on every upstream request from other settings.
var managedHeaders = map[string]struct{}{
	"Authorization": {},
	"Content-Type":  {},
	"Accept":        {},
	"User-Agent":    {},
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
