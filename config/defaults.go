// =============================================================================
// 📦 AgentMarket 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		LLM:       DefaultLLMConfig(),
		Cache:     DefaultCacheConfig(),
		Billing:   DefaultBillingConfig(),
		Pipeline:  DefaultPipelineConfig(),
		JWT:       JWTConfig{},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    3 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentmarket",
		Name:                "agentmarket",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:             true,
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		MaxRetries:          3,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultLLMConfig 返回默认上游配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:            "openai",
		BaseURL:             "https://api.openai.com",
		Timeout:             30 * time.Second,
		MaxRetries:          2,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// DefaultCacheConfig 返回默认补全缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		LocalEnabled: true,
		LocalMaxSize: 1000,
		LocalTTL:     5 * time.Minute,
		TTL:          time.Hour,
		ModelListTTL: 24 * time.Hour,
		OpTimeout:    200 * time.Millisecond,
	}
}

// DefaultBillingConfig 返回默认计费配置
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreatorShare: 0.8,
		DefaultRate:  0.001,
		Rates: map[string]float64{
			"gpt-4":   0.03,
			"gpt-3.5": 0.002,
			"claude":  0.015,
		},
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		HistoryLimit:      10,
		HistoryTokenLimit: 8000,
		MaxInputChars:     32000,
		ProviderTimeout:   2 * time.Minute,
		PersistTimeout:    5 * time.Second,
		ReplayTTL:         24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "agentmarket",
		SampleRate:     0.1,
		Insecure:       true,
		MetricInterval: time.Minute,
	}
}
