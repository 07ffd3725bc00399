package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

const (
	volcASRURL       = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	volcASRChunkSize = 6400 // 16kHz, 16bit, mono, 200ms
)

// VolcengineASRClient 火山引擎ASR WebSocket客户端
type VolcengineASRClient struct {
	cfg      speechmodel.Config
	url      string
	dialer   *websocket.Dialer
	interval time.Duration
	logger   *zap.Logger
}

type volcASRRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type volcASRResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
}

// NewVolcengineASRClient 创建火山引擎ASR客户端
func NewVolcengineASRClient(cfg speechmodel.Config, logger *zap.Logger) *VolcengineASRClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VolcengineASRClient{
		cfg:      cfg,
		url:      volcASRURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		interval: 200 * time.Millisecond,
		logger:   logger.With(zap.String("component", "volcengine_asr")),
	}
}

// Recognize streams the clip as PCM16 and waits for the final transcript.
func (c *VolcengineASRClient) Recognize(ctx context.Context, clip speechmodel.Clip, language string) (string, error) {
	appID, token, err := volcCredentials(c.cfg)
	if err != nil {
		return "", err
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if c.cfg.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent"
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return "", fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if resp != nil {
		c.logger.Debug("asr connected", zap.String("logid", resp.Header.Get("X-Tt-Logid")))
	}

	if language == "" {
		language = c.cfg.ASRLanguage
	}
	request := c.buildRequest(connectID, language, clip.SampleRate)
	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	packed, err := packPayload(payload, compressGzip)
	if err != nil {
		return "", err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newRequestFrame(packed, compressGzip))); err != nil {
		return "", fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 接收与发送并发进行，服务端提前报错时可及时停止发送。
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- c.sendAudio(ctx, conn, EncodePCM16(clip.Samples))
	}()

	text, err := c.receive(conn)
	cancel()
	if err != nil {
		if sErr := <-sendErr; sErr != nil && !errors.Is(sErr, context.Canceled) {
			return "", fmt.Errorf("failed to send audio data: %w", sErr)
		}
		return "", err
	}
	return text, nil
}

func (c *VolcengineASRClient) buildRequest(uid, language string, rate int) *volcASRRequest {
	req := &volcASRRequest{}
	req.User.UID = uid
	req.Audio.Language = language
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = rate
	req.Audio.Bits = 16
	req.Audio.Channel = 1
	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

func (c *VolcengineASRClient) sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	// 服务端 FullClientRequest 占用序号1，音频从2开始。
	sequence := int32(2)
	for start := 0; start < len(pcm) || start == 0; start += volcASRChunkSize {
		end := min(start+volcASRChunkSize, len(pcm))
		last := end >= len(pcm)

		packed, err := packPayload(pcm[start:end], compressGzip)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeFrame(newAudioFrame(packed, sequence, last, compressGzip))); err != nil {
			return err
		}
		sequence++
		if last {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.interval):
		}
	}
	return nil
}

func (c *VolcengineASRClient) receive(conn *websocket.Conn) (string, error) {
	var text string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("failed to read ASR response: %w", err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return "", fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch f.kind {
		case frameServerError:
			body, _ := f.body()
			return "", fmt.Errorf("ASR error %d: %s", f.errorCode, string(body))
		case frameServerFull:
			body, err := f.body()
			if err != nil {
				return "", fmt.Errorf("failed to decompress ASR payload: %w", err)
			}
			var msg volcASRResponse
			if err := json.Unmarshal(body, &msg); err != nil {
				c.logger.Warn("asr response not json", zap.Error(err))
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return "", fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}
			if candidate := msg.Result.Text; candidate != "" {
				text = candidate
			} else if len(msg.Result.Utterances) > 0 {
				parts := make([]string, 0, len(msg.Result.Utterances))
				for _, u := range msg.Result.Utterances {
					parts = append(parts, u.Text)
				}
				text = strings.Join(parts, " ")
			}
			if f.last() || msg.Sequence < 0 {
				return text, nil
			}
		}
	}
}

// volcCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func volcCredentials(cfg speechmodel.Config) (string, string, error) {
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}
