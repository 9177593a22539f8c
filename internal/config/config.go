// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_ environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix marks the environment variables read into the configuration.
// Sections are separated by a double underscore:
// KESTREL_DETECTION__ZSCORE_THRESHOLD sets detection.zscore_threshold.
const EnvPrefix = "KESTREL_"

// PathEnvVar overrides the config file search.
const PathEnvVar = "KESTREL_CONFIG"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"kestrel.yaml",
	"kestrel.yml",
	"/etc/kestrel/kestrel.yaml",
}

// sliceKeys are split on commas when they arrive as a single string.
var sliceKeys = []string{
	"detection.high_risk_countries",
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Load builds the configuration. An empty path searches PathEnvVar and
// DefaultPaths; a missing file is not an error in that case.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultsFor(os.Getenv(EnvPrefix+"TIER")), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func Validate(cfg *domain.Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(msgs, "; "))
		}
		return err
	}

	w := cfg.Detection.Weights
	if w.ZScore+w.IsolationForest+w.Velocity+w.Geo <= 0 {
		return fmt.Errorf("%w: ensemble weights must not all be zero", domain.ErrInvalidInput)
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("%w: cache.redis_addr is required for redis cache", domain.ErrInvalidInput)
	}
	if cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "" {
		return fmt.Errorf("%w: eventbus.nats_url is required for nats bus", domain.ErrInvalidInput)
	}
	return nil
}

func defaultsFor(tier string) *domain.Config {
	if domain.Tier(strings.ToLower(tier)) == domain.TierPro {
		return domain.ProConfig()
	}
	return domain.DefaultConfig()
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps KESTREL_EVENTBUS__NATS_URL to eventbus.nats_url.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}
