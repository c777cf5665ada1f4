package config

import "time"

// Config represents the complete shardline configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Router    RouterConfig    `yaml:"router"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Journal   JournalConfig   `yaml:"journal"`
	API       APIConfig       `yaml:"api,omitempty"`
	Bridge    BridgeConfig    `yaml:"bridge,omitempty"`
	LockPath  string          `yaml:"lock_path"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// RouterConfig controls queued routed events.
type RouterConfig struct {
	// ExpiryTimeout is how long a queued action may wait for a matching
	// connection. Zero disables expiry.
	ExpiryTimeout time.Duration `yaml:"expiry_timeout"`
}

// DispatchConfig controls the command pipeline.
type DispatchConfig struct {
	AutoDefer         AutoDeferConfig `yaml:"auto_defer"`
	GlobalMiddlewares []string        `yaml:"global_middlewares,omitempty"`
	GlobalAfterwares  []string        `yaml:"global_afterwares,omitempty"`
}

// AutoDeferConfig controls the provisional acknowledgement deadline.
type AutoDeferConfig struct {
	Enabled     bool          `yaml:"enabled"`
	GracePeriod time.Duration `yaml:"grace_period"`
	Ephemeral   bool          `yaml:"ephemeral"`
}

// RateLimitConfig defines the built-in cooldown middleware defaults.
type RateLimitConfig struct {
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
}

// JournalConfig defines dispatch outcome persistence.
type JournalConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path"`
	Retention  time.Duration `yaml:"retention"`
	PruneEvery time.Duration `yaml:"prune_every"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey is a single bearer token. Empty disables auth.
	APIKey string `yaml:"api_key"`
}

// BridgeConfig defines the signed HTTP ingress a connector process uses to
// report connections and submit invocations.
type BridgeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Listen          string `yaml:"listen"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "shardline",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Router: RouterConfig{
			ExpiryTimeout: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			AutoDefer: AutoDeferConfig{
				Enabled:     true,
				GracePeriod: 2 * time.Second,
				Ephemeral:   false,
			},
			GlobalMiddlewares: []string{"ratelimit"},
			GlobalAfterwares:  []string{"outcome-log"},
		},
		RateLimit: RateLimitConfig{
			DefaultCooldown: 5 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:    true,
			Path:       "./data/journal.db",
			Retention:  7 * 24 * time.Hour,
			PruneEvery: time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Bridge: BridgeConfig{
			Enabled:         false,
			Listen:          "127.0.0.1:8081",
			SignatureHeader: "X-Shardline-Signature",
		},
		LockPath: "./data/shardline.lock",
	}
}
