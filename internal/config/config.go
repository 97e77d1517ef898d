package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Relay   RelayConfig
	Redis   RedisConfig
	NATS    NATSConfig
	Tracing TracingConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	tracing, err := loadTracingConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Log:     loadLogConfig(),
		Relay:   relay,
		Redis:   loadRedisConfig(),
		NATS:    loadNATSConfig(),
		Tracing: tracing,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	maxBody := int64(1 << 20)
	if override, err := parseOptionalIntEnv("RELAY_MAX_BODY_BYTES"); err != nil {
		return ServerConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return ServerConfig{}, fmt.Errorf("invalid RELAY_MAX_BODY_BYTES value %d: must be positive", *override)
		}
		maxBody = int64(*override)
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := ":" + port
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	} else if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: splitList(os.Getenv("RELAY_ALLOWED_ORIGINS")),
		MaxBodyBytes:   maxBody,
	}, nil
}

// LogConfig 描述日志输出。FilePath 为空时只输出到控制台。
type LogConfig struct {
	Level      string
	FilePath   string
	Production bool
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:      strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		FilePath:   strings.TrimSpace(os.Getenv("LOG_FILE_PATH")),
		Production: strings.EqualFold(strings.TrimSpace(os.Getenv("APP_ENV")), "production"),
	}
}

// RelayConfig 描述广播相关的参数。
type RelayConfig struct {
	ViewerBuffer int
	SendTimeout  time.Duration
	PingInterval time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	buffer := 64
	if override, err := parseOptionalIntEnv("RELAY_VIEWER_BUFFER"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return RelayConfig{}, fmt.Errorf("invalid RELAY_VIEWER_BUFFER value %d: must be positive", *override)
		}
		buffer = *override
	}

	sendTimeout, err := parseDurationEnv("RELAY_SEND_TIMEOUT", 2*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	pingInterval, err := parseDurationEnv("RELAY_PING_INTERVAL", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		ViewerBuffer: buffer,
		SendTimeout:  sendTimeout,
		PingInterval: pingInterval,
	}, nil
}

// RedisConfig 为空 URL 时不持久化最新答案。
type RedisConfig struct {
	URL       string
	AnswerKey string
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		AnswerKey: getEnvOrDefault("REDIS_ANSWER_KEY", "relay:latest_answer"),
	}
}

// NATSConfig 为空 URL 时不订阅 NATS。
type NATSConfig struct {
	URL     string
	Subject string
}

func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

func loadNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     strings.TrimSpace(os.Getenv("NATS_URL")),
		Subject: getEnvOrDefault("NATS_SUBJECT", "relay.events"),
	}
}

// TracingConfig 描述 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func loadTracingConfig() (TracingConfig, error) {
	enabled, err := parseBoolEnv("OTEL_ENABLED", false)
	if err != nil {
		return TracingConfig{}, err
	}
	return TracingConfig{
		Enabled:     enabled,
		Endpoint:    getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		ServiceName: getEnvOrDefault("OTEL_SERVICE_NAME", "answer-relay"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 "2s" 这类时长，或者按秒解释的纯数字。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, value)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, value)
	}
	return val, nil
}
