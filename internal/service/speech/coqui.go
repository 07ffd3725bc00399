package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// CoquiClient 调用 Coqui TTS 服务的 /api/tts 接口，返回 WAV。
type CoquiClient struct {
	baseURL string
	client  *http.Client
}

type coquiRequest struct {
	Text     string  `json:"text"`
	VoiceID  string  `json:"voice_id,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float32 `json:"speed,omitempty"`
}

// NewCoquiClient creates a synthesis backend for a Coqui server.
func NewCoquiClient(baseURL string, timeout time.Duration) *CoquiClient {
	return &CoquiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(timeout),
	}
}

// Synthesize posts the text and returns the WAV body.
func (c *CoquiClient) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (*speechmodel.Audio, error) {
	const op = "speech.coqui"

	payload, err := json.Marshal(coquiRequest{
		Text:     req.Text,
		VoiceID:  req.Voice,
		Language: whisperLanguage(req.Language),
		Speed:    req.Speed,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tts", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, fmt.Errorf("read audio: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.KindSynthesis, op, "coqui returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindSynthesis, op, "coqui returned empty audio")
	}

	return &speechmodel.Audio{Data: data, Format: "wav", SampleRate: wavSampleRate(data)}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
