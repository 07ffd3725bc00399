package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/speech"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

const maxUploadBytes = 32 << 20

// Transcriber 抽象语音识别，便于测试与替换实现
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Synthesizer 抽象语音合成
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.Audio, error)
}

// Handler 直接暴露语音适配器的HTTP处理器
type Handler struct {
	transcriber Transcriber
	synthesizer Synthesizer
	agents      agent.Store
	logger      *zap.Logger
}

// New 创建语音处理器
func New(transcriber Transcriber, synthesizer Synthesizer, agents agent.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		transcriber: transcriber,
		synthesizer: synthesizer,
		agents:      agents,
		logger:      logger.With(zap.String("component", "speech_handler")),
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		speechRouter.Post("/transcribe", h.handleTranscribe)
		speechRouter.Post("/synthesize", h.handleSynthesize)
	})
}

type transcribeResponse struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Empty    bool   `json:"empty"`
}

// handleTranscribe 处理语音转文本请求（multipart 字段 audio）
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	language := strings.TrimSpace(r.FormValue("language"))
	if language == "" {
		if cfg, ok := h.agentFor(r, r.FormValue("agent_id")); ok {
			language = cfg.Voice.Language
		}
	}

	text, err := h.transcriber.Transcribe(r.Context(), data, language)
	if err != nil {
		h.logger.Warn("transcription failed", zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcribeResponse{Text: text, Language: language, Empty: text == ""})
}

type synthesizeRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Speed    float32 `json:"speed"`
	Language string  `json:"language"`
	AgentID  string  `json:"agent_id"`
}

// handleSynthesize 处理文本转语音请求，未指定音色时使用智能体绑定的音色。
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	synth := speech.SynthesisRequest{Text: req.Text, Voice: req.Voice, Speed: req.Speed, Language: req.Language}
	if cfg, ok := h.agentFor(r, req.AgentID); ok {
		if synth.Voice == "" {
			synth.Voice = cfg.Voice.ID
		}
		if synth.Speed <= 0 {
			synth.Speed = cfg.Voice.Speed
		}
		if synth.Language == "" {
			synth.Language = cfg.Voice.Language
		}
	}

	audio, err := h.synthesizer.Synthesize(r.Context(), synth)
	if err != nil {
		h.logger.Warn("synthesis failed", zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}

	format := audio.Format
	if format == "" {
		format = "octet-stream"
	}
	w.Header().Set("Content-Type", "audio/"+format)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.Header().Set("Content-Disposition", "attachment; filename=speech."+format)
	if audio.SampleRate > 0 {
		w.Header().Set("X-Sample-Rate", strconv.Itoa(audio.SampleRate))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio.Data); err != nil {
		h.logger.Warn("failed to write audio response", zap.Error(err))
	}
}

// agentFor 查找调用方可访问的智能体，找不到时静默回退到默认参数。
func (h *Handler) agentFor(r *http.Request, agentID string) (agent.Config, bool) {
	agentID = strings.TrimSpace(agentID)
	if h.agents == nil || agentID == "" {
		return agent.Config{}, false
	}
	cfg, err := h.agents.Get(r.Context(), agentID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			h.logger.Warn("agent lookup failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		return agent.Config{}, false
	}
	if p, ok := auth.FromContext(r.Context()); ok && !p.CanAccessTenant(cfg.TenantID) {
		return agent.Config{}, false
	}
	return cfg, true
}
