// Package config loads and validates gateway configuration. Configuration
// is read once at startup; the resulting values are treated as read-only
// defaults for the lifetime of the process.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/yuanhang110/DeepClaude-Pro/internal/apierror"
	"github.com/yuanhang110/DeepClaude-Pro/internal/codec"
)

// Pipeline modes.
const (
	ModePlain = "plain"
	ModeFull  = "full"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    Server              `koanf:"server"`
	Pipeline  Pipeline            `koanf:"pipeline"`
	Providers map[string]Provider `koanf:"providers"`
}

// Server holds HTTP server settings.
type Server struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	AccessToken  string        `koanf:"access_token"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Pipeline selects the orchestration mode and its policies.
type Pipeline struct {
	Mode string `koanf:"mode"`
	// ExposePlan forwards the architect stage's output to the client as
	// reasoning frames in full mode. Off by default: the plan then only
	// reaches the editor stage as hidden context.
	ExposePlan bool `koanf:"expose_plan"`
	// ArchitectPrompt replaces the built-in architect system prompt.
	ArchitectPrompt string `koanf:"architect_prompt"`
}

// Provider holds the settings for one provider slot ("reasoning" or
// "generation").
type Provider struct {
	Endpoint         string            `koanf:"endpoint"`
	WireFormat       string            `koanf:"wire_format"`
	APIKey           string            `koanf:"api_key"`
	Model            string            `koanf:"model"`
	Headers          map[string]string `koanf:"headers"`
	Body             map[string]any    `koanf:"body"`
	FirstByteTimeout time.Duration     `koanf:"first_byte_timeout"`
	CallTimeout      time.Duration     `koanf:"call_timeout"`
}

// BodyRaw returns the provider's default body as raw JSON values, the form
// the codec's merge consumes.
func (p Provider) BodyRaw() (map[string]json.RawMessage, error) {
	if len(p.Body) == 0 {
		return nil, nil
	}
	raw := make(map[string]json.RawMessage, len(p.Body))
	for key, value := range p.Body {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding default body key %q: %w", key, err)
		}
		raw[key] = data
	}
	return raw, nil
}

// Default creates a Config with built-in defaults. File and environment
// values are layered on top.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:         "127.0.0.1",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
		},
		Pipeline: Pipeline{Mode: ModePlain},
		Providers: map[string]Provider{
			codec.RoleReasoning: {
				Endpoint:         "https://api.deepseek.com/v1/chat/completions",
				WireFormat:       codec.FormatNative,
				Model:            "deepseek-reasoner",
				FirstByteTimeout: 30 * time.Second,
				CallTimeout:      5 * time.Minute,
			},
			codec.RoleGeneration: {
				Endpoint:         "https://api.anthropic.com/v1/messages",
				WireFormat:       codec.FormatNative,
				Model:            "claude-3-5-sonnet-20241022",
				FirstByteTimeout: 30 * time.Second,
				CallTimeout:      5 * time.Minute,
			},
		},
	}
}

// Load reads configuration from an optional YAML file, layers
// DEEPCLAUDE_-prefixed environment variables on top, and resolves
// credential placeholders. A missing file is only an error when the path
// was given explicitly.
func Load(path string, explicit bool) (*Config, error) {
	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	// DEEPCLAUDE_SERVER__ACCESS_TOKEN -> server.access_token. Double
	// underscore separates nesting levels so single underscores survive
	// inside key names.
	if err := k.Load(env.Provider("DEEPCLAUDE_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "DEEPCLAUDE_")),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Server.AccessToken = expandPlaceholder(cfg.Server.AccessToken)
	for role, p := range cfg.Providers {
		p.APIKey = expandPlaceholder(p.APIKey)
		if p.APIKey == "" {
			p.APIKey = os.Getenv(defaultKeyEnv(role))
		}
		cfg.Providers[role] = p
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.Mode != ModePlain && c.Pipeline.Mode != ModeFull {
		return fmt.Errorf("unknown pipeline mode %q", c.Pipeline.Mode)
	}
	for role, p := range c.Providers {
		if _, err := codec.ForProvider(role, p.WireFormat); err != nil {
			return err
		}
	}
	return nil
}

// ProviderReady reports whether the slot can serve a request. Credentials
// and endpoints are checked lazily here, at request start, so a gateway
// with one misconfigured slot can still serve modes that do not need it.
func (c *Config) ProviderReady(role string) error {
	p, ok := c.Providers[role]
	if !ok || p.Endpoint == "" {
		return apierror.New(apierror.KindConfig, "provider %q has no endpoint configured", role)
	}
	if p.APIKey == "" {
		return apierror.New(apierror.KindConfig, "provider %q has no credential configured", role)
	}
	if p.Model == "" {
		return apierror.New(apierror.KindConfig, "provider %q has no model configured", role)
	}
	return nil
}

// expandPlaceholder resolves ${VAR_NAME} references against the
// environment, including placeholders embedded in a larger value such as
// "Bearer ${KEY}". Unset variables expand to the empty string.
func expandPlaceholder(v string) string {
	return os.Expand(v, os.Getenv)
}

func defaultKeyEnv(role string) string {
	switch role {
	case codec.RoleReasoning:
		return "DEEPSEEK_API_KEY"
	case codec.RoleGeneration:
		return "ANTHROPIC_API_KEY"
	default:
		return ""
	}
}
