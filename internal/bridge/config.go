package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/shardline/internal/config"
)

// DefaultMaxBodySize applies when max_body_size is empty.
const DefaultMaxBodySize = 1 << 20

// Config holds bridge server settings.
type Config struct {
	Listen          string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// FromConfig converts the bridge config section.
func FromConfig(bc config.BridgeConfig) (Config, error) {
	if bc.Secret == "" {
		return Config{}, fmt.Errorf("bridge: no secret configured")
	}
	size, err := parseMaxBodySize(bc.MaxBodySize)
	if err != nil {
		return Config{}, fmt.Errorf("bridge: invalid max_body_size %q: %w", bc.MaxBodySize, err)
	}
	return Config{
		Listen:          bc.Listen,
		Secret:          bc.Secret,
		SignatureHeader: bc.SignatureHeader,
		MaxBodySize:     size,
	}, nil
}

// parseMaxBodySize parses "1MB", "64KB" or a plain byte count.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"KB", 1 << 10},
		{"MB", 1 << 20},
		{"GB", 1 << 30},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
