package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	speechmodel "github.com/zhouzirui/z-voice/backend/internal/model/speech"
)

// WhisperClient 调用 OpenAI 兼容的 /v1/audio/transcriptions 接口（本地 whisper 服务）。
type WhisperClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewWhisperClient creates a recognizer for a whisper-compatible server.
func NewWhisperClient(baseURL, model string, timeout time.Duration) *WhisperClient {
	return &WhisperClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  newHTTPClient(timeout),
	}
}

// Recognize uploads the clip as WAV and returns the transcript.
func (c *WhisperClient) Recognize(ctx context.Context, clip speechmodel.Clip, language string) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(EncodeWAV(clip)); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if c.model != "" {
		_ = form.WriteField("model", c.model)
	}
	if lang := whisperLanguage(language); lang != "" {
		_ = form.WriteField("language", lang)
	}
	_ = form.WriteField("response_format", "json")
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("build whisper request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read whisper response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("whisper returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode whisper response: %w", err)
	}
	return payload.Text, nil
}

// whisperLanguage 将 "en-US" 形式转换为 whisper 使用的 ISO-639-1 代码。
func whisperLanguage(language string) string {
	language = strings.TrimSpace(language)
	if i := strings.IndexAny(language, "-_"); i > 0 {
		language = language[:i]
	}
	return strings.ToLower(language)
}
