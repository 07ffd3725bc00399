package speech

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// SynthesisBackend 是语音合成后端的最小接口。
type SynthesisBackend interface {
	Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (*speechmodel.Audio, error)
}

// Synthesizer 校验请求并统一后端错误类别。
type Synthesizer struct {
	backend  SynthesisBackend
	defaults speechmodel.SynthesisRequest
	logger   *zap.Logger
}

// NewSynthesizer creates a Synthesizer. defaults fill empty voice, speed and language.
func NewSynthesizer(backend SynthesisBackend, defaults speechmodel.SynthesisRequest, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		backend:  backend,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "synthesizer")),
	}
}

// Synthesize renders text with the voice carried by the request.
func (s *Synthesizer) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (*speechmodel.Audio, error) {
	const op = "speech.synthesize"
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperr.New(apperr.KindSynthesis, op, "text is empty")
	}
	if req.Voice == "" {
		req.Voice = s.defaults.Voice
	}
	if req.Speed <= 0 {
		req.Speed = s.defaults.Speed
	}
	if req.Language == "" {
		req.Language = s.defaults.Language
	}

	audio, err := s.backend.Synthesize(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperr.KindOf(err) != "" {
			return nil, err
		}
		if isTransportError(err) {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, err)
		}
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
	}
	if audio == nil || len(audio.Data) == 0 {
		return nil, apperr.New(apperr.KindSynthesis, op, "backend returned empty audio")
	}
	return audio, nil
}

// isTransportError 区分网络层故障与后端业务错误。
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}
