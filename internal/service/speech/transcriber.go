package speech

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// Recognizer 是语音识别后端的最小接口。
type Recognizer interface {
	Recognize(ctx context.Context, clip speechmodel.Clip, language string) (string, error)
}

// Transcriber 解码入站音频并交给识别后端。
type Transcriber struct {
	backend          Recognizer
	rawRate          int
	silenceThreshold float64
	logger           *zap.Logger
}

// NewTranscriber creates a Transcriber. rawRate applies to header-less PCM input.
func NewTranscriber(backend Recognizer, rawRate int, silenceThreshold float64, logger *zap.Logger) *Transcriber {
	if rawRate <= 0 {
		rawRate = 16000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcriber{
		backend:          backend,
		rawRate:          rawRate,
		silenceThreshold: silenceThreshold,
		logger:           logger.With(zap.String("component", "transcriber")),
	}
}

// Transcribe returns the trimmed transcript, or "" for silent input.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	clip, err := DecodeAudio(audio, t.rawRate)
	if err != nil {
		return "", err
	}

	if len(clip.Samples) == 0 {
		return "", nil
	}
	if energy := RMS(clip.Samples); energy < t.silenceThreshold {
		t.logger.Debug("silent clip skipped", zap.Float64("rms", energy), zap.Float64("seconds", clip.Duration()))
		return "", nil
	}

	text, err := t.backend.Recognize(ctx, clip, language)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Wrap(apperr.KindInference, "speech.transcribe", err)
	}
	return strings.TrimSpace(text), nil
}
