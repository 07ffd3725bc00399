package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

const (
	volcTTSURL        = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
	volcTTSSampleRate = 24000
)

// errResourceMismatch 表示 speaker 与资源 ID 不匹配，可尝试下一个候选。
var errResourceMismatch = errors.New("resource ID is mismatched with speaker related resource")

// VolcengineTTSClient 火山引擎TTS WebSocket客户端
type VolcengineTTSClient struct {
	cfg    speechmodel.Config
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

type volcTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string `json:"speaker"`
		Text        string `json:"text"`
		AudioParams struct {
			Format     string  `json:"format"`
			SampleRate int     `json:"sample_rate"`
			SpeedRatio float32 `json:"speed_ratio,omitempty"`
		} `json:"audio_params"`
		Language string `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcTTSResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// NewVolcengineTTSClient 创建火山引擎TTS客户端，dialer 在所有调用间共享。
func NewVolcengineTTSClient(cfg speechmodel.Config, logger *zap.Logger) *VolcengineTTSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VolcengineTTSClient{
		cfg:    cfg,
		url:    volcTTSURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		logger: logger.With(zap.String("component", "volcengine_tts")),
	}
}

// Synthesize tries each speaker and resource candidate until one is accepted.
func (c *VolcengineTTSClient) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) (*speechmodel.Audio, error) {
	const op = "speech.volcengine_tts"
	appID, token, err := volcCredentials(c.cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
	}

	var lastErr error
	for _, speaker := range speakerCandidates(req.Voice, c.cfg.TTSVoice) {
		for _, resourceID := range resourceCandidates(speaker) {
			audio, err := c.synthesizeOnce(ctx, req, appID, token, speaker, resourceID)
			if err == nil {
				return audio, nil
			}
			if !errors.Is(err, errResourceMismatch) {
				return nil, err
			}
			c.logger.Info("tts resource mismatch, trying next candidate",
				zap.String("speaker", speaker), zap.String("resource", resourceID))
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no speaker candidates")
	}
	return nil, apperr.Wrap(apperr.KindSynthesis, op, lastErr)
}

func (c *VolcengineTTSClient) synthesizeOnce(ctx context.Context, req speechmodel.SynthesisRequest, appID, token, speaker, resourceID string) (*speechmodel.Audio, error) {
	const op = "speech.volcengine_tts"
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, fmt.Errorf("failed to connect to TTS WebSocket: %w", err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var body volcTTSRequest
	body.User.UID = connectID
	body.ReqParams.Speaker = speaker
	body.ReqParams.Text = req.Text
	body.ReqParams.AudioParams.Format = "mp3"
	body.ReqParams.AudioParams.SampleRate = volcTTSSampleRate
	if req.Speed > 0 && req.Speed != 1.0 {
		body.ReqParams.AudioParams.SpeedRatio = req.Speed
	}
	body.ReqParams.Language = req.Language

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newRequestFrame(payload, compressNone))); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, err)
	}

	var audio bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, op, fmt.Errorf("failed to read TTS response: %w", err))
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
		}

		switch f.kind {
		case frameServerError:
			msg, _ := f.body()
			if strings.Contains(string(msg), errResourceMismatch.Error()) {
				return nil, fmt.Errorf("%w: %s", errResourceMismatch, msg)
			}
			return nil, apperr.Newf(apperr.KindSynthesis, op, "TTS error %d: %s", f.errorCode, msg)

		case frameServerAudio:
			chunk, err := f.body()
			if err != nil {
				return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
			}
			audio.Write(chunk)

		case frameServerFull:
			msg, err := f.body()
			if err != nil {
				return nil, apperr.Wrap(apperr.KindSynthesis, op, err)
			}
			var resp volcTTSResponse
			if len(msg) > 0 && json.Unmarshal(msg, &resp) == nil {
				if resp.Code != 0 && resp.Code != 3000 && resp.Code != 20000000 {
					if strings.Contains(resp.Message, errResourceMismatch.Error()) {
						return nil, fmt.Errorf("%w: %s", errResourceMismatch, resp.Message)
					}
					return nil, apperr.Newf(apperr.KindSynthesis, op, "TTS API error %d: %s", resp.Code, resp.Message)
				}
				if resp.Data != "" {
					chunk, err := base64.StdEncoding.DecodeString(resp.Data)
					if err != nil {
						return nil, apperr.Wrap(apperr.KindSynthesis, op, fmt.Errorf("decode base64 audio chunk: %w", err))
					}
					audio.Write(chunk)
				}
			}

			finished := (f.hasEvent() && f.event == eventSessionFinished) || f.last() || resp.Sequence < 0
			if finished {
				if audio.Len() == 0 {
					return nil, apperr.New(apperr.KindSynthesis, op, "TTS audio is empty")
				}
				return &speechmodel.Audio{Data: audio.Bytes(), Format: "mp3", SampleRate: volcTTSSampleRate}, nil
			}
		}
	}
}

// resourceCandidates 按音色名推断可用资源 ID，依次尝试。
func resourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}
	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

// speakerCandidates 先用请求的音色，再回退到配置的默认音色，去重保序。
func speakerCandidates(requested, fallback string) []string {
	var out []string
	for _, s := range []string{requested, fallback} {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, s) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, "en_female_amy_jupiter_bigtts")
	}
	return out
}
