package config

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int  `yaml:"port" koanf:"port"`
	AllowAll bool `yaml:"allow_all_origins" koanf:"allow_all_origins"`
}

// ProviderConfig holds settings for one HTTP push delivery provider.
type ProviderConfig struct {
	Endpoint       string `yaml:"endpoint" koanf:"endpoint"`
	APIKey         string `yaml:"api_key" koanf:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds" koanf:"timeout_seconds"`
}

// ProvidersConfig holds the delivery provider chain settings.
type ProvidersConfig struct {
	// Order is the failover priority order. Known names: push, realtime, altpush.
	Order                  []string       `yaml:"order" koanf:"order"`
	Push                   ProviderConfig `yaml:"push" koanf:"push"`
	AltPush                ProviderConfig `yaml:"altpush" koanf:"altpush"`
	AvailabilityTTLSeconds int            `yaml:"availability_ttl_seconds" koanf:"availability_ttl_seconds"`
	RealtimeTimeoutSeconds int            `yaml:"realtime_timeout_seconds" koanf:"realtime_timeout_seconds"`
}

// RateLimitConfig holds fixed-window limiter settings.
type RateLimitConfig struct {
	BurstWindowSeconds     int                `yaml:"burst_window_seconds" koanf:"burst_window_seconds"`
	BurstLimit             int                `yaml:"burst_limit" koanf:"burst_limit"`
	SustainedWindowSeconds int                `yaml:"sustained_window_seconds" koanf:"sustained_window_seconds"`
	SustainedLimit         int                `yaml:"sustained_limit" koanf:"sustained_limit"`
	TierMultipliers        map[string]float64 `yaml:"tier_multipliers" koanf:"tier_multipliers"`
	ViolationThreshold     int                `yaml:"violation_threshold" koanf:"violation_threshold"`
	ViolationWindowMinutes int                `yaml:"violation_window_minutes" koanf:"violation_window_minutes"`
	AutoBlockMinutes       int                `yaml:"auto_block_minutes" koanf:"auto_block_minutes"`
}

// QueueConfig holds delivery queue settings.
type QueueConfig struct {
	TTLHours             int `yaml:"ttl_hours" koanf:"ttl_hours"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" koanf:"sweep_interval_seconds"`
}

// AuditConfig holds audit recorder settings.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days" koanf:"retention_days"`
	BufferSize    int `yaml:"buffer_size" koanf:"buffer_size"`
}

// KafkaConfig holds command intake settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" koanf:"brokers"`
	Topic   string   `yaml:"topic" koanf:"topic"`
	GroupID string   `yaml:"group_id" koanf:"group_id"`
}

// Config is the top-level beacon configuration, corresponding to beacon.yml.
type Config struct {
	DatabasePath string          `yaml:"database_path" koanf:"database_path"`
	Server       ServerConfig    `yaml:"server" koanf:"server"`
	Providers    ProvidersConfig `yaml:"providers" koanf:"providers"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" koanf:"rate_limit"`
	Queue        QueueConfig     `yaml:"queue" koanf:"queue"`
	Audit        AuditConfig     `yaml:"audit" koanf:"audit"`
	Kafka        KafkaConfig     `yaml:"kafka" koanf:"kafka"`
}
