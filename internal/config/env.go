package config

import (
	"os"
	"strconv"
	"strings"
)

// LoadFromEnv overrides configuration from FAILOVER_* environment variables
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("FAILOVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("FAILOVER_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	// Secrets stay out of the config file
	if key := os.Getenv("FAILOVER_JWT_SIGNING_KEY"); key != "" {
		cfg.Server.JWTSigningKey = key
	}
	if token := os.Getenv("FAILOVER_STORAGE_TOKEN"); token != "" {
		cfg.Storage.Token = token
	}
	if token := os.Getenv("FAILOVER_ROUTING_TOKEN"); token != "" {
		cfg.Routing.Token = token
	}
	if password := os.Getenv("FAILOVER_REDIS_PASSWORD"); password != "" {
		cfg.Routing.RedisPassword = password
	}
	if secret := os.Getenv("FAILOVER_WEBHOOK_SECRET"); secret != "" {
		cfg.Alerting.WebhookSecret = secret
	}
	if dsn := os.Getenv("FAILOVER_AUDIT_DSN"); dsn != "" {
		cfg.Audit.PostgresDSN = dsn
	}

	if addr := os.Getenv("FAILOVER_REDIS_ADDR"); addr != "" {
		cfg.Routing.RedisAddr = addr
	}
	if brokers := os.Getenv("FAILOVER_KAFKA_BROKERS"); brokers != "" {
		cfg.Alerting.KafkaBrokers = strings.Split(brokers, ",")
	}

	if bucket := os.Getenv("FAILOVER_S3_BUCKET"); bucket != "" {
		cfg.Audit.S3Bucket = bucket
	}
	cfg.Audit.S3AccessKey = GetEnvOrDefault("FAILOVER_S3_ACCESS_KEY", cfg.Audit.S3AccessKey)
	cfg.Audit.S3SecretKey = GetEnvOrDefault("FAILOVER_S3_SECRET_KEY", cfg.Audit.S3SecretKey)
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
