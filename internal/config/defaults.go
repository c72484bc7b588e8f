package config

// DefaultProviderOrder is the failover priority used when none is configured.
var DefaultProviderOrder = []string{"push", "realtime", "altpush"}

// DefaultTierMultipliers scales rate-limit ceilings per trust tier.
var DefaultTierMultipliers = map[string]float64{
	"new":      1.0,
	"regular":  2.0,
	"trusted":  4.0,
	"verified": 8.0,
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "data/beacon.db",
		Server: ServerConfig{
			Port:     8080,
			AllowAll: false,
		},
		Providers: ProvidersConfig{
			Order:                  DefaultProviderOrder,
			Push:                   ProviderConfig{TimeoutSeconds: 5},
			AltPush:                ProviderConfig{TimeoutSeconds: 5},
			AvailabilityTTLSeconds: 30,
			RealtimeTimeoutSeconds: 2,
		},
		RateLimit: RateLimitConfig{
			BurstWindowSeconds:     60,
			BurstLimit:             5,
			SustainedWindowSeconds: 3600,
			SustainedLimit:         60,
			TierMultipliers:        DefaultTierMultipliers,
			ViolationThreshold:     10,
			ViolationWindowMinutes: 60,
			AutoBlockMinutes:       30,
		},
		Queue: QueueConfig{
			TTLHours:             72,
			SweepIntervalSeconds: 60,
		},
		Audit: AuditConfig{
			RetentionDays: 90,
			BufferSize:    1024,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "notification-commands",
			GroupID: "beacon",
		},
	}
}
