package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" koanf:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier" koanf:"tier" validate:"oneof=community pro"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" koanf:"eventbus"`

	// Scoring engine
	Detection DetectionConfig `json:"detection" koanf:"detection"`

	// Observability
	Logging LoggingConfig `json:"logging" koanf:"logging"`
	Tracing TracingConfig `json:"tracing" koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  int    `json:"readTimeout" koanf:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"write_timeout"` // seconds
}

// DetectionConfig controls the ensemble built on every (re)train.
type DetectionConfig struct {
	ZScoreThreshold  float64 `json:"zscoreThreshold" koanf:"zscore_threshold" validate:"gt=0"`
	ForestTrees      int     `json:"forestTrees" koanf:"forest_trees" validate:"gte=1"`
	ForestSampleSize int     `json:"forestSampleSize" koanf:"forest_sample_size" validate:"gte=2"`
	ForestThreshold  float64 `json:"forestThreshold" koanf:"forest_threshold"`

	// Seed makes isolation-forest construction reproducible.
	Seed uint64 `json:"seed" koanf:"seed"`

	// HighRiskCountries is the designated country-code set for geo risk.
	HighRiskCountries []string `json:"highRiskCountries" koanf:"high_risk_countries"`

	Weights EnsembleWeights `json:"weights" koanf:"weights"`

	// Lookback bounds the corpus loaded from storage on retrain.
	Lookback time.Duration `json:"lookback" koanf:"lookback"`

	// MaxTrainingSamples caps the corpus size loaded on retrain (0 = no cap).
	MaxTrainingSamples int `json:"maxTrainingSamples" koanf:"max_training_samples" validate:"gte=0"`

	// ScoreCacheTTL is how long score results are cached per transaction.
	ScoreCacheTTL time.Duration `json:"scoreCacheTtl" koanf:"score_cache_ttl"`
}

// EnsembleWeights are the fixed coefficients of each ensemble member.
type EnsembleWeights struct {
	ZScore          float64 `json:"zscore" koanf:"zscore" validate:"gte=0"`
	IsolationForest float64 `json:"isolationForest" koanf:"isolation_forest" validate:"gte=0"`
	Velocity        float64 `json:"velocity" koanf:"velocity" validate:"gte=0"`
	Geo             float64 `json:"geo" koanf:"geo" validate:"gte=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" koanf:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" koanf:"enabled"`
	ServiceName string `json:"serviceName" koanf:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultDetectionConfig returns the ensemble settings used in production.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		ZScoreThreshold:   2.5,
		ForestTrees:       50,
		ForestSampleSize:  128,
		ForestThreshold:   0.6,
		Seed:              42,
		HighRiskCountries: []string{"XX", "YY", "ZZ"},
		Weights: EnsembleWeights{
			ZScore:          0.35,
			IsolationForest: 0.45,
			Velocity:        0.10,
			Geo:             0.10,
		},
		Lookback:      365 * 24 * time.Hour,
		ScoreCacheTTL: 10 * time.Minute,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
