package speech

import "time"

// Provider names for the recognition and synthesis backends.
const (
	ProviderVolcengine = "volcengine"
	ProviderWhisper    = "whisper"
	ProviderCoqui      = "coqui"
)

// Config 语音服务配置
type Config struct {
	ASRProvider string
	TTSProvider string

	// Volcengine 配置
	AppID          string
	AccessToken    string
	ConcurrentMode bool // ASR并发模式（false为小时版）
	ASRLanguage    string

	// 本地模型服务
	WhisperURL   string
	WhisperModel string
	CoquiURL     string

	// TTS 默认值，agent 未指定时使用
	TTSVoice    string
	TTSSpeed    float32
	TTSLanguage string

	// 输入音频
	InputSampleRate  int
	SilenceThreshold float64

	Timeout time.Duration
}
