package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/z-voice/backend/internal/logger"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Log       logger.Config
	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Speech    speechmodel.Config
	Tools     ToolsConfig
	Pipeline  PipelineConfig
	Agents    AgentsConfig
	Telemetry TelemetryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth := loadAuthConfig()

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	tools, err := loadToolsConfig()
	if err != nil {
		return nil, err
	}

	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, err
	}

	telemetry, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Log: logger.Config{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		Auth:      auth,
		RateLimit: rateLimit,
		CORS:      CORSConfig{Origins: splitList(getEnvOrDefault("CORS_ORIGINS", "*"))},
		Database:  DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Redis:     RedisConfig{URL: strings.TrimSpace(os.Getenv("REDIS_URL"))},
		AI:        ai,
		Speech:    speech,
		Tools:     tools,
		Pipeline:  pipeline,
		Agents:    AgentsConfig{File: strings.TrimSpace(os.Getenv("AGENTS_FILE"))},
		Telemetry: telemetry,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthConfig JWT 校验配置，Secret 为空时关闭鉴权。
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Enabled 表示是否开启鉴权。
func (c AuthConfig) Enabled() bool {
	return c.Secret != ""
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Secret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		Issuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		Audience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
}

// RateLimitConfig 建立会话连接的限流配置（按租户）。
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	cfg := RateLimitConfig{RPS: 2, Burst: 5}

	rps, err := parseOptionalFloatEnv("CONNECT_RATE_RPS")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if rps != nil {
		cfg.RPS = *rps
	}

	burst, err := parseOptionalIntEnv("CONNECT_RATE_BURST")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if burst != nil {
		cfg.Burst = *burst
	}
	return cfg, nil
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Origins []string
}

// DatabaseConfig 为空时使用内存存储。
type DatabaseConfig struct {
	URL string
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig 为空时使用内存会话注册表。
type RedisConfig struct {
	URL string
}

// Enabled reports whether redis is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	TopP         *float64
	LocalBaseURL string
	LocalAPIKey  string
	LocalModel   string
	HistoryLimit int
	Timeout      time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

func loadAIConfig() (AIConfig, error) {
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 20
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		TopP:         topP,
		LocalBaseURL: getEnvOrDefault("LLM_LOCAL_BASE_URL", "http://localhost:1234/v1"),
		LocalAPIKey:  getEnvOrDefault("LLM_LOCAL_API_KEY", "lm-studio"),
		LocalModel:   getEnvOrDefault("LLM_LOCAL_MODEL", "local-model"),
		HistoryLimit: historyLimit,
		Timeout:      timeout,
	}, nil
}

func loadSpeechConfig() (speechmodel.Config, error) {
	timeout, err := parseDurationEnv("SPEECH_TIMEOUT", 30*time.Second)
	if err != nil {
		return speechmodel.Config{}, err
	}

	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return speechmodel.Config{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	sampleRate := 16000
	if override, err := parseOptionalIntEnv("SPEECH_INPUT_SAMPLE_RATE"); err != nil {
		return speechmodel.Config{}, err
	} else if override != nil {
		if *override <= 0 {
			return speechmodel.Config{}, fmt.Errorf("invalid SPEECH_INPUT_SAMPLE_RATE value %q: must be positive", strconv.Itoa(*override))
		}
		sampleRate = *override
	}

	threshold := 0.0005
	if override, err := parseOptionalFloatEnv("SPEECH_SILENCE_THRESHOLD"); err != nil {
		return speechmodel.Config{}, err
	} else if override != nil {
		threshold = *override
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return speechmodel.Config{}, err
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return speechmodel.Config{
		ASRProvider:      strings.ToLower(getEnvOrDefault("SPEECH_ASR_PROVIDER", speechmodel.ProviderWhisper)),
		TTSProvider:      strings.ToLower(getEnvOrDefault("SPEECH_TTS_PROVIDER", speechmodel.ProviderCoqui)),
		AppID:            strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:      accessToken,
		ConcurrentMode:   concurrent,
		ASRLanguage:      getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		WhisperURL:       getEnvOrDefault("WHISPER_URL", "http://localhost:9000"),
		WhisperModel:     getEnvOrDefault("WHISPER_MODEL", "base"),
		CoquiURL:         getEnvOrDefault("COQUI_TTS_URL", "http://localhost:5002"),
		TTSVoice:         getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSSpeed:         ttsSpeed,
		TTSLanguage:      getEnvOrDefault("SPEECH_TTS_LANGUAGE", "en"),
		InputSampleRate:  sampleRate,
		SilenceThreshold: threshold,
		Timeout:          timeout,
	}, nil
}

// ToolsConfig 工具网关配置
type ToolsConfig struct {
	GatewayURL string
	Enabled    bool
	Timeout    time.Duration
	CacheTTL   time.Duration
	PolicyFile string
}

func loadToolsConfig() (ToolsConfig, error) {
	enabled, err := parseBoolEnv("MCP_ENABLED", true)
	if err != nil {
		return ToolsConfig{}, err
	}

	timeout, err := parseDurationEnv("TOOL_TIMEOUT", 15*time.Second)
	if err != nil {
		return ToolsConfig{}, err
	}

	cacheTTL, err := parseDurationEnv("TOOL_CATALOG_CACHE_TTL", 0)
	if err != nil {
		return ToolsConfig{}, err
	}

	url := strings.TrimRight(strings.TrimSpace(os.Getenv("MCP_SERVER_URL")), "/")
	return ToolsConfig{
		GatewayURL: url,
		Enabled:    enabled && url != "",
		Timeout:    timeout,
		CacheTTL:   cacheTTL,
		PolicyFile: strings.TrimSpace(os.Getenv("TOOL_POLICY_FILE")),
	}, nil
}

// PipelineConfig 对话轮次处理配置
type PipelineConfig struct {
	ArchiveDir     string
	PersistTimeout time.Duration
}

func loadPipelineConfig() (PipelineConfig, error) {
	persist, err := parseDurationEnv("PERSIST_TIMEOUT", 5*time.Second)
	if err != nil {
		return PipelineConfig{}, err
	}
	return PipelineConfig{
		ArchiveDir:     strings.TrimSpace(os.Getenv("AUDIO_ARCHIVE_DIR")),
		PersistTimeout: persist,
	}, nil
}

// AgentsConfig 指向 agent 种子文件（YAML）。
type AgentsConfig struct {
	File string
}

// TelemetryConfig OpenTelemetry 导出配置
type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Enabled 配置了 OTLP 端点时才导出链路。
func (c TelemetryConfig) Enabled() bool {
	return c.Endpoint != ""
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	rate := 1.0
	if override, err := parseOptionalFloatEnv("OTEL_SAMPLE_RATE"); err != nil {
		return TelemetryConfig{}, err
	} else if override != nil {
		rate = *override
	}
	return TelemetryConfig{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName: getEnvOrDefault("OTEL_SERVICE_NAME", "z-voice"),
		SampleRate:  rate,
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
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
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

// parseDurationEnv 支持 "30s" 形式，也兼容纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
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

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}
