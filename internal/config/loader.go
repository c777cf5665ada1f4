package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values missing from the
// file keep their Defaults().
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of Defaults() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Service.LogLevel = strings.ToLower(strings.TrimSpace(cfg.Service.LogLevel))
	cfg.Service.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Service.LogFormat))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $SHARDLINE_CONFIG, ~/.config/shardline/config.yaml, /etc/shardline/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SHARDLINE_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "shardline", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/shardline/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $SHARDLINE_CONFIG, ~/.config/shardline, /etc/shardline, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		return fmt.Errorf("service.name is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Router.ExpiryTimeout < 0 {
		return fmt.Errorf("router.expiry_timeout must not be negative")
	}

	if cfg.Dispatch.AutoDefer.Enabled && cfg.Dispatch.AutoDefer.GracePeriod <= 0 {
		return fmt.Errorf("dispatch.auto_defer.grace_period must be positive when auto_defer is enabled")
	}
	for i, name := range cfg.Dispatch.GlobalMiddlewares {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("dispatch.global_middlewares[%d] is empty", i)
		}
	}
	for i, name := range cfg.Dispatch.GlobalAfterwares {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("dispatch.global_afterwares[%d] is empty", i)
		}
	}

	if cfg.RateLimit.DefaultCooldown < 0 {
		return fmt.Errorf("ratelimit.default_cooldown must not be negative")
	}

	if cfg.Journal.Enabled {
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal.path is required when journal is enabled")
		}
		if cfg.Journal.Retention < 0 {
			return fmt.Errorf("journal.retention must not be negative")
		}
		if cfg.Journal.PruneEvery < 0 {
			return fmt.Errorf("journal.prune_every must not be negative")
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey); len(matches) > 1 {
			return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	if cfg.Bridge.Enabled {
		if cfg.Bridge.Listen == "" {
			return fmt.Errorf("bridge.listen is required when bridge is enabled")
		}
		if strings.TrimSpace(cfg.Bridge.Secret) == "" {
			return fmt.Errorf("bridge.secret is required when bridge is enabled")
		}
		if matches := envVarPattern.FindStringSubmatch(cfg.Bridge.Secret); len(matches) > 1 {
			return fmt.Errorf("bridge.secret: environment variable ${%s} is not set", matches[1])
		}
		if cfg.Bridge.SignatureHeader == "" {
			return fmt.Errorf("bridge.signature_header is required when bridge is enabled")
		}
		if cfg.API.Enabled && cfg.API.Listen == cfg.Bridge.Listen {
			return fmt.Errorf("bridge.listen must differ from api.listen")
		}
	}

	return nil
}
