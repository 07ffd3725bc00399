package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/auth"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	chatsvc "github.com/zhouzirui/z-voice/backend/internal/service/chat"
	"github.com/zhouzirui/z-voice/backend/internal/service/pipeline"
	"github.com/zhouzirui/z-voice/backend/internal/service/session"
	"github.com/zhouzirui/z-voice/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 来源由 CORS 中间件与令牌校验把关
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ResponderFunc 为会话构建绑定智能体的回复器
type ResponderFunc func(ctx context.Context, cfg agent.Config) (pipeline.Responder, error)

// Options 进程级依赖。Conversations 为 nil 时所有会话都以临时模式运行。
type Options struct {
	Agents         agent.Store
	Conversations  chatsvc.Store
	Registry       session.Registry
	Responders     ResponderFunc
	Transcriber    pipeline.Transcriber
	Synthesizer    pipeline.Synthesizer
	Archive        *pipeline.Archive
	Metrics        *metrics.Collector
	PersistTimeout time.Duration
	// PingInterval 覆盖默认心跳间隔，测试使用
	PingInterval time.Duration
}

// Handler 语音会话的 WebSocket 传输层
type Handler struct {
	opts   Options
	logger *zap.Logger
}

// New 创建语音会话处理器
func New(opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewMemoryRegistry()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	return &Handler{opts: opts, logger: logger.With(zap.String("component", "voice_handler"))}
}

// RegisterRoutes 注册语音会话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/agents/{agentID}/stream", h.HandleStream)
}

// 控制帧
type frame struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role,omitempty"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
	Kind           string `json:"kind,omitempty"`
}

// HandleStream 校验智能体与会话后升级连接，每个二进制帧触发一个完整轮次。
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	cfg, err := h.opts.Agents.Get(r.Context(), agentID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if p, ok := auth.FromContext(r.Context()); ok && !p.CanAccessTenant(cfg.TenantID) {
		utils.RespondError(w, http.StatusForbidden, "agent belongs to another tenant")
		return
	}

	query := r.URL.Query()
	sessionID := strings.TrimSpace(query.Get("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess := chat.Session{
		ID:           sessionID,
		AgentID:      cfg.ID,
		TenantID:     cfg.TenantID,
		State:        chat.SessionInitializing,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := h.opts.Registry.Claim(r.Context(), sess); err != nil {
		if errors.Is(err, session.ErrSessionLive) {
			utils.RespondError(w, http.StatusConflict, "session is already live")
			return
		}
		h.logger.Error("claim session failed", zap.String("session_id", sessionID), zap.Error(err))
		utils.RespondError(w, http.StatusServiceUnavailable, "session registry unavailable")
		return
	}
	// 从这里开始任何退出路径都必须释放会话
	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := h.opts.Registry.Release(ctx, sessionID); err != nil {
			h.logger.Warn("release session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if query.Get("ephemeral") != "true" && h.opts.Conversations != nil {
		conv, err := h.bindConversation(r.Context(), sess)
		if err != nil {
			release()
			if errors.Is(err, chatsvc.ErrSessionBound) {
				utils.RespondError(w, http.StatusConflict, "session belongs to another agent")
				return
			}
			h.logger.Error("bind conversation failed", zap.String("session_id", sessionID), zap.Error(err))
			utils.RespondAppError(w, err)
			return
		}
		sess.ConversationID = conv.ID
	}

	responder, err := h.opts.Responders(r.Context(), cfg)
	if err != nil {
		release()
		h.logger.Error("build responder failed", zap.String("agent_id", cfg.ID), zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}

	p, err := pipeline.New(r.Context(), sess, cfg, pipeline.Deps{
		Transcriber:    h.opts.Transcriber,
		Responder:      responder,
		Synthesizer:    h.opts.Synthesizer,
		Store:          h.opts.Conversations,
		Archive:        h.opts.Archive,
		Metrics:        h.opts.Metrics,
		Logger:         h.logger,
		PersistTimeout: h.opts.PersistTimeout,
	})
	if err != nil {
		release()
		h.logger.Error("create pipeline failed", zap.String("session_id", sessionID), zap.Error(err))
		utils.RespondAppError(w, apperr.Wrap(apperr.KindPersistence, "voice.stream", err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		_ = p.Close(r.Context(), err)
		release()
		return
	}

	s := &streamSession{
		handler:  h,
		conn:     conn,
		pipeline: p,
		events:   query.Get("events") == "true",
		logger:   h.logger.With(zap.String("session_id", sessionID), zap.String("agent_id", cfg.ID)),
	}
	h.opts.Metrics.SessionOpened()
	if err := h.opts.Registry.Update(r.Context(), p.Session()); err != nil {
		s.logger.Warn("registry update failed", zap.Error(err))
	}

	var cause error
	defer func() {
		if err := p.Close(context.WithoutCancel(r.Context()), cause); err != nil {
			s.logger.Warn("close pipeline failed", zap.Error(err))
		}
		release()
		h.opts.Metrics.SessionClosed()
		_ = conn.Close()
		s.logger.Info("voice session closed", zap.NamedError("cause", cause))
	}()

	s.logger.Info("voice session opened", zap.String("conversation_id", sess.ConversationID))
	if err := s.writeJSON(frame{Type: "ready", SessionID: sessionID, ConversationID: sess.ConversationID}); err != nil {
		cause = err
		return
	}
	cause = s.serve(r.Context())
}

// bindConversation 复用同一会话 ID 已有的对话，否则新建。已结束的对话重新置为 active。
func (h *Handler) bindConversation(ctx context.Context, sess chat.Session) (chat.Conversation, error) {
	conv, err := h.opts.Conversations.FindConversationBySession(ctx, sess.ID)
	switch {
	case err == nil:
		if conv.AgentID != sess.AgentID {
			return chat.Conversation{}, chatsvc.ErrSessionBound
		}
		if conv.Status != chat.ConversationActive {
			return h.opts.Conversations.ReopenConversation(ctx, conv.ID)
		}
		return conv, nil
	case apperr.KindOf(err) != apperr.KindNotFound:
		return chat.Conversation{}, err
	}
	return h.opts.Conversations.CreateConversation(ctx, chat.Conversation{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		TenantID:  sess.TenantID,
	})
}

type streamSession struct {
	handler  *Handler
	conn     *websocket.Conn
	pipeline *pipeline.Pipeline
	events   bool
	logger   *zap.Logger

	writeMu sync.Mutex
}

// serve 运行读循环与心跳循环，返回值非空表示会话因错误结束。
func (s *streamSession) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.conn.SetReadLimit(16 << 20)
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	g, gctx := errgroup.WithContext(ctx)
	// 心跳失败或上下文取消时关闭连接以中断阻塞的读取
	stop := context.AfterFunc(gctx, func() { _ = s.conn.Close() })
	defer stop()

	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.pingLoop(gctx)
	})

	err := g.Wait()
	if err == nil || isNormalClose(err) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *streamSession) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", zap.Error(err))
			}
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := s.handleAudio(ctx, data); err != nil {
				return err
			}
		case websocket.TextMessage:
			if err := s.handleText(data); err != nil {
				return err
			}
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
}

// handleAudio 执行一个轮次。普通失败回传错误帧后继续，仅管线关闭或连接写失败时结束会话。
func (s *streamSession) handleAudio(ctx context.Context, data []byte) error {
	turn, err := s.pipeline.ProcessAudio(ctx, data)
	if err != nil {
		if errors.Is(err, pipeline.ErrPipelineClosed) {
			if werr := s.writeError(err); werr != nil {
				s.logger.Warn("relay pipeline closed failed", zap.Error(werr))
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.writeError(err)
	}

	if turn.Outcome != pipeline.OutcomeCompleted {
		return nil
	}
	if s.events {
		if err := s.writeJSON(frame{Type: "transcript", Role: string(chat.RoleUser), Text: turn.Transcript}); err != nil {
			return err
		}
		if err := s.writeJSON(frame{Type: "transcript", Role: string(chat.RoleAssistant), Text: turn.Reply}); err != nil {
			return err
		}
	}
	if turn.HasAudio() {
		return s.write(websocket.BinaryMessage, turn.Audio.Data)
	}
	return nil
}

func (s *streamSession) handleText(data []byte) error {
	var msg frame
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("ignoring invalid control frame", zap.Error(err))
		return nil
	}
	switch msg.Type {
	case "ping":
		return s.writeJSON(frame{Type: "pong"})
	default:
		s.logger.Debug("ignoring control frame", zap.String("type", msg.Type))
		return nil
	}
}

func (s *streamSession) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.handler.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return err
			}
			// 刷新注册表中的活跃时间，避免 Redis 租约过期
			if err := s.handler.opts.Registry.Update(ctx, s.pipeline.Session()); err != nil {
				s.logger.Debug("registry refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *streamSession) writeError(err error) error {
	kind := apperr.KindOf(err)
	return s.writeJSON(frame{Type: "error", Error: apperr.Message(err), Kind: string(kind)})
}

func (s *streamSession) writeJSON(v frame) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, payload)
}

func (s *streamSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
