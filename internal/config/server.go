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

// Prompt policies applied to prompts longer than MaxPromptLength.
const (
	PromptTruncate = "truncate"
	PromptReject   = "reject"
)

// DefaultAllowedOrigins lists the front-end origins accepted when none are configured.
var DefaultAllowedOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3000",
}

// ServerConfig holds configuration for the imgrelay server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ConfigFile      string        `yaml:"-"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ProviderURL     string        `yaml:"provider_url"`
	ImageWidth      int           `yaml:"image_width"`
	ImageHeight     int           `yaml:"image_height"`
	MaxPromptLength int           `yaml:"max_prompt_length"`
	PromptPolicy    string        `yaml:"prompt_policy"`
	BodyLimit       int64         `yaml:"body_limit"`
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	RedisAddr       string        `yaml:"redis_addr"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	UpstreamRetries int           `yaml:"upstream_retries"`
	MaxImageBytes   int64         `yaml:"max_image_bytes"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	if c.ProviderURL == "" {
		c.ProviderURL = "https://image.pollinations.ai"
	}
	if c.ImageWidth == 0 {
		c.ImageWidth = 512
	}
	if c.ImageHeight == 0 {
		c.ImageHeight = 512
	}
	if c.MaxPromptLength == 0 {
		c.MaxPromptLength = 500
	}
	if c.PromptPolicy == "" {
		c.PromptPolicy = PromptTruncate
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = 10 << 10
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.RateWindow == 0 {
		c.RateWindow = time.Minute
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 60 * time.Second
	}
	if c.UpstreamRetries == 0 {
		c.UpstreamRetries = 1
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = 10 << 20
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := GetEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = strings.ToLower(v)
	}
	if v := GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := GetEnv("METRICS_PORT", ""); v != "" {
		c.MetricsAddr = metricsAddr(v)
	}
	if v := GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := GetEnv("PROVIDER_URL", ""); v != "" {
		c.ProviderURL = v
	}
	if v := GetEnv("IMAGE_WIDTH", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ImageWidth = n
		}
	}
	if v := GetEnv("IMAGE_HEIGHT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ImageHeight = n
		}
	}
	if v := GetEnv("MAX_PROMPT_LENGTH", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxPromptLength = n
		}
	}
	if v := GetEnv("PROMPT_POLICY", ""); v != "" {
		c.PromptPolicy = strings.ToLower(v)
	}
	if v := GetEnv("BODY_LIMIT", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.BodyLimit = n
		}
	}
	if v := GetEnv("RATE_LIMIT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit = n
		}
	}
	if v := GetEnv("RATE_WINDOW", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateWindow = d
		}
	}
	if v := GetEnv("TRUST_PROXY", ""); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TrustProxy = b
		}
	}
	if v := GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := GetEnv("UPSTREAM_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.UpstreamTimeout = d
		}
	}
	if v := GetEnv("UPSTREAM_RETRIES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UpstreamRetries = n
		}
	}
	if v := GetEnv("MAX_IMAGE_BYTES", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxImageBytes = n
		}
	}
	if v := GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags on fs using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log encoding (console, json)")
	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.Func("metrics-port", "Prometheus metrics listen address or port; defaults to the value of --port", func(v string) error {
		c.MetricsAddr = metricsAddr(v)
		return nil
	})
	fs.Func("allowed-origins", "comma separated list of browser origins allowed to call the API", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	fs.StringVar(&c.ProviderURL, "provider-url", c.ProviderURL, "base URL of the image generation provider")
	fs.IntVar(&c.ImageWidth, "image-width", c.ImageWidth, "requested image width in pixels")
	fs.IntVar(&c.ImageHeight, "image-height", c.ImageHeight, "requested image height in pixels")
	fs.IntVar(&c.MaxPromptLength, "max-prompt-length", c.MaxPromptLength, "maximum prompt length in characters")
	fs.StringVar(&c.PromptPolicy, "prompt-policy", c.PromptPolicy, "handling of overlong prompts (truncate, reject)")
	fs.Int64Var(&c.BodyLimit, "body-limit", c.BodyLimit, "maximum request body size in bytes")
	fs.IntVar(&c.RateLimit, "rate-limit", c.RateLimit, "generation requests allowed per client and window")
	fs.DurationVar(&c.RateWindow, "rate-window", c.RateWindow, "rate limit window length")
	fs.BoolVar(&c.TrustProxy, "trust-proxy", c.TrustProxy, "derive client address from X-Forwarded-For / X-Real-IP")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared rate limit counters")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", c.UpstreamTimeout, "maximum time to wait for the image provider")
	fs.IntVar(&c.UpstreamRetries, "upstream-retries", c.UpstreamRetries, "retries after a transient provider failure (-1 to disable)")
	fs.Int64Var(&c.MaxImageBytes, "max-image-bytes", c.MaxImageBytes, "maximum accepted image size in bytes")
	fs.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
}

// Validate reports settings that cannot work together.
func (c *ServerConfig) Validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	switch c.PromptPolicy {
	case PromptTruncate, PromptReject:
	default:
		return fmt.Errorf("config: unknown prompt policy %q", c.PromptPolicy)
	}
	if c.MaxPromptLength <= 0 {
		return fmt.Errorf("config: max prompt length must be positive")
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("config: rate limit and window must be positive")
	}
	if c.BodyLimit <= 0 {
		return fmt.Errorf("config: body limit must be positive")
	}
	if c.ProviderURL == "" {
		return fmt.Errorf("config: provider url is required")
	}
	return nil
}

// MetricsOnMainPort reports whether /metrics is served by the main listener.
// An empty MetricsAddr follows Port.
func (c *ServerConfig) MetricsOnMainPort() bool {
	return c.MetricsAddr == "" || c.MetricsAddr == fmt.Sprintf(":%d", c.Port)
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func metricsAddr(v string) string {
	if strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
