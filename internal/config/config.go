package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Voiceflow  VoiceflowConfig  `yaml:"voiceflow"`
	Vapi       VapiConfig       `yaml:"vapi"`
	Completion CompletionConfig `yaml:"completion"`
	Session    SessionConfig    `yaml:"session"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	PublicBaseURL  string   `yaml:"publicBaseUrl"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	RateLimitRPS   float64  `yaml:"rateLimitRps"`
	RateLimitBurst int      `yaml:"rateLimitBurst"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// VoiceflowConfig 描述对话流厂商配置。
type VoiceflowConfig struct {
	APIKey    string        `yaml:"apiKey"`
	VersionID string        `yaml:"versionId"`
	BaseURL   string        `yaml:"baseUrl"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Enabled 表示是否提供了必需的密钥。
func (c VoiceflowConfig) Enabled() bool {
	return c.APIKey != "" && c.VersionID != ""
}

// VapiConfig 描述语音助手厂商配置。
type VapiConfig struct {
	APIKey           string        `yaml:"apiKey"`
	AssistantID      string        `yaml:"assistantId"`
	StreamURL        string        `yaml:"streamUrl"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReadTimeout      time.Duration `yaml:"readTimeout"`
	PingInterval     time.Duration `yaml:"pingInterval"`
}

// Enabled 表示是否提供了必需的密钥。
func (c VapiConfig) Enabled() bool {
	return c.APIKey != ""
}

// CompletionConfig 描述 chat-completion 厂商配置。
type CompletionConfig struct {
	APIKey      string   `yaml:"apiKey"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"baseUrl"`
	Region      string   `yaml:"region"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"topP"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// Enabled 表示是否提供了必需的密钥。
func (c CompletionConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

// NewChatModel 使用配置创建一个模型实例。The ark client speaks the
// OpenAI-compatible chat/completions protocol, so BaseURL may point at any
// compatible vendor.
func (c CompletionConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("completion credentials missing: DEEPSEEK_API_KEY and DEEPSEEK_MODEL are required")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// SessionConfig bounds the in-memory session store and the transcript reconciler.
type SessionConfig struct {
	Capacity        int           `yaml:"capacity"`
	RecencyWindow   time.Duration `yaml:"recencyWindow"`
	DuplicateWindow int           `yaml:"duplicateWindow"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":5001",
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Log: LogConfig{Level: "info"},
		Voiceflow: VoiceflowConfig{
			VersionID: "production",
			BaseURL:   "https://general-runtime.voiceflow.com",
			Timeout:   30 * time.Second,
		},
		Vapi: VapiConfig{
			AssistantID:      "default",
			StreamURL:        "wss://api.vapi.ai/v1/voice/stream",
			HandshakeTimeout: 30 * time.Second,
			ReadTimeout:      60 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Completion: CompletionConfig{
			Model:   "deepseek-chat",
			BaseURL: "https://api.deepseek.com/v1",
		},
		Session: SessionConfig{
			Capacity:        100,
			RecencyWindow:   2 * time.Second,
			DuplicateWindow: 3,
		},
	}
}

// Load 从可选的 YAML 文件与环境变量加载配置，环境变量优先。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyServerEnv(&cfg.Server); err != nil {
		return nil, err
	}
	if err := applyLogEnv(&cfg.Log); err != nil {
		return nil, err
	}
	if err := applyVoiceflowEnv(&cfg.Voiceflow); err != nil {
		return nil, err
	}
	if err := applyVapiEnv(&cfg.Vapi); err != nil {
		return nil, err
	}
	if err := applyCompletionEnv(&cfg.Completion); err != nil {
		return nil, err
	}
	if err := applySessionEnv(&cfg.Session); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Session.Capacity < 1 {
		return fmt.Errorf("session capacity must be positive, got %d", c.Session.Capacity)
	}
	if c.Session.DuplicateWindow < 0 {
		return fmt.Errorf("transcript duplicate window must not be negative, got %d", c.Session.DuplicateWindow)
	}
	if c.Session.RecencyWindow < 0 {
		return fmt.Errorf("transcript recency window must not be negative, got %s", c.Session.RecencyWindow)
	}
	return nil
}

// applyServerEnv 解析服务器监听地址。
func applyServerEnv(cfg *ServerConfig) error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		switch {
		case strings.Contains(port, ":"):
			// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
			cfg.Addr = port
		case strings.Contains(port, " "):
			return fmt.Errorf("invalid PORT value: %q", port)
		default:
			cfg.Addr = ":" + port
		}
	}

	cfg.PublicBaseURL = getEnvOrDefault("PUBLIC_BASE_URL", cfg.PublicBaseURL)

	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS")
	if err != nil {
		return err
	}
	if rps != nil {
		cfg.RateLimitRPS = *rps
	}

	burst, err := parseOptionalIntEnv("RATE_LIMIT_BURST")
	if err != nil {
		return err
	}
	if burst != nil {
		cfg.RateLimitBurst = *burst
	}
	return nil
}

func applyLogEnv(cfg *LogConfig) error {
	cfg.Level = getEnvOrDefault("LOG_LEVEL", cfg.Level)

	dev, err := parseBoolEnv("LOG_DEVELOPMENT", cfg.Development)
	if err != nil {
		return err
	}
	cfg.Development = dev
	return nil
}

func applyVoiceflowEnv(cfg *VoiceflowConfig) error {
	cfg.APIKey = getEnvOrDefault("VOICEFLOW_API_KEY", cfg.APIKey)
	cfg.VersionID = getEnvOrDefault("VOICEFLOW_VERSION_ID", cfg.VersionID)
	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("VOICEFLOW_BASE_URL", cfg.BaseURL), "/")

	timeout, err := parseDurationEnv("VOICEFLOW_TIMEOUT", cfg.Timeout)
	if err != nil {
		return err
	}
	cfg.Timeout = timeout
	return nil
}

func applyVapiEnv(cfg *VapiConfig) error {
	cfg.APIKey = getEnvOrDefault("VAPI_API_KEY", cfg.APIKey)
	cfg.AssistantID = getEnvOrDefault("VAPI_ASSISTANT_ID", cfg.AssistantID)
	cfg.StreamURL = getEnvOrDefault("VAPI_WS_URL", cfg.StreamURL)

	readTimeout, err := parseDurationEnv("VAPI_READ_TIMEOUT", cfg.ReadTimeout)
	if err != nil {
		return err
	}
	cfg.ReadTimeout = readTimeout

	ping, err := parseDurationEnv("VAPI_PING_INTERVAL", cfg.PingInterval)
	if err != nil {
		return err
	}
	cfg.PingInterval = ping
	return nil
}

func applyCompletionEnv(cfg *CompletionConfig) error {
	cfg.APIKey = getEnvOrDefault("DEEPSEEK_API_KEY", cfg.APIKey)
	cfg.Model = getEnvOrDefault("DEEPSEEK_MODEL", cfg.Model)
	cfg.BaseURL = getEnvOrDefault("DEEPSEEK_BASE_URL", cfg.BaseURL)
	cfg.Region = getEnvOrDefault("DEEPSEEK_REGION", cfg.Region)

	temperature, err := parseOptionalFloatEnv("DEEPSEEK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		cfg.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("DEEPSEEK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		cfg.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("DEEPSEEK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		cfg.MaxTokens = maxTokens
	}
	return nil
}

func applySessionEnv(cfg *SessionConfig) error {
	capacity, err := parseOptionalIntEnv("SESSION_CAPACITY")
	if err != nil {
		return err
	}
	if capacity != nil {
		cfg.Capacity = *capacity
	}

	window, err := parseDurationEnv("TRANSCRIPT_RECENCY_WINDOW", cfg.RecencyWindow)
	if err != nil {
		return err
	}
	cfg.RecencyWindow = window

	dup, err := parseOptionalIntEnv("TRANSCRIPT_DUPLICATE_WINDOW")
	if err != nil {
		return err
	}
	if dup != nil {
		cfg.DuplicateWindow = *dup
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
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

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按毫秒处理。
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
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
