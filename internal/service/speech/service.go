package speech

import (
	"fmt"

	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// Service 汇总语音识别与合成适配器。
type Service struct {
	Transcriber *Transcriber
	Synthesizer *Synthesizer
}

// NewService 按配置选择识别与合成后端。
func NewService(cfg speechmodel.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var recognizer Recognizer
	switch cfg.ASRProvider {
	case speechmodel.ProviderVolcengine:
		recognizer = NewVolcengineASRClient(cfg, logger)
	case speechmodel.ProviderWhisper, "":
		recognizer = NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown speech recognition provider %q", cfg.ASRProvider)
	}

	var backend SynthesisBackend
	switch cfg.TTSProvider {
	case speechmodel.ProviderVolcengine:
		backend = NewVolcengineTTSClient(cfg, logger)
	case speechmodel.ProviderCoqui, "":
		backend = NewCoquiClient(cfg.CoquiURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown speech synthesis provider %q", cfg.TTSProvider)
	}

	defaults := speechmodel.SynthesisRequest{
		Voice:    cfg.TTSVoice,
		Speed:    cfg.TTSSpeed,
		Language: cfg.TTSLanguage,
	}

	logger.Info("speech backends selected",
		zap.String("asr", cfg.ASRProvider), zap.String("tts", cfg.TTSProvider))

	return &Service{
		Transcriber: NewTranscriber(recognizer, cfg.InputSampleRate, cfg.SilenceThreshold, logger),
		Synthesizer: NewSynthesizer(backend, defaults, logger),
	}, nil
}
