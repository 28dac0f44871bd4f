package config

import (
	"fmt"
	"strings"
	"time"

	"p2pcall/native/internal/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	RelayURL          string        `mapstructure:"relay_url"`
	ICEBaseURL        string        `mapstructure:"ice_base_url"`
	DisableP2P        bool          `mapstructure:"disable_p2p"`
	Role              string        `mapstructure:"role"`
	AutoAccept        bool          `mapstructure:"auto_accept"`
	ConfirmLocalVideo bool          `mapstructure:"confirm_local_video"`
	CallKind          string        `mapstructure:"call_kind"`
	LogLevel          string        `mapstructure:"log_level"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
}

// IsAlice reports whether this side starts calls.
func (c *Config) IsAlice() bool {
	return c.Role == "alice"
}

// Kind returns the configured call kind.
func (c *Config) Kind() domain.MediaKind {
	return domain.MediaKind(c.CallKind)
}

// Load reads configuration from a .env file (if present) and P2PCALL_*
// environment variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("p2pcall")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("relay_url", "")
	v.SetDefault("ice_base_url", "http://localhost:8080/")
	v.SetDefault("disable_p2p", false)
	v.SetDefault("role", "alice")
	v.SetDefault("auto_accept", true)
	v.SetDefault("confirm_local_video", false)
	v.SetDefault("call_kind", "audio")
	v.SetDefault("log_level", "info")
	v.SetDefault("ping_interval", "30s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("P2PCALL_RELAY_URL environment variable is required")
	}
	cfg.Role = strings.ToLower(cfg.Role)
	if cfg.Role != "alice" && cfg.Role != "bob" {
		return nil, fmt.Errorf("P2PCALL_ROLE must be alice or bob, got %q", cfg.Role)
	}
	cfg.CallKind = strings.ToLower(cfg.CallKind)
	if cfg.Kind() != domain.MediaAudio && cfg.Kind() != domain.MediaVideo {
		return nil, fmt.Errorf("P2PCALL_CALL_KIND must be audio or video, got %q", cfg.CallKind)
	}

	return &cfg, nil
}
