package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Executor:  DefaultExecutorConfig(),
		Events:    DefaultEventsConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEngineConfig returns default run scheduling settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallel:    8,
		ApprovalExpire: 0,
	}
}

// DefaultExecutorConfig returns default container execution settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		DefaultTimeout:   30 * time.Minute,
		ReadinessTimeout: 30 * time.Second,
		ProbeInterval:    time.Second,
		Slots:            16,
	}
}

// DefaultEventsConfig returns default event bus settings.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Driver: "memory",
	}
}

// DefaultRedisConfig returns default redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns default persistence settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "weft",
		Password:        "",
		Name:            "weft.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default tracing settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "weft",
		SampleRate:   0.1,
	}
}
