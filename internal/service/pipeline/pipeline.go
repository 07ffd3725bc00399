package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/metrics"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
	"github.com/zhouzirui/z-voice/backend/internal/model/chat"
	"github.com/zhouzirui/z-voice/backend/internal/model/speech"
	"github.com/zhouzirui/z-voice/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-voice/backend/internal/service/chat"
)

// DefaultPersistTimeout bounds the commit of a completed turn.
const DefaultPersistTimeout = 5 * time.Second

// ErrPipelineClosed is returned by ProcessAudio after Close.
var ErrPipelineClosed = errors.New("pipeline closed")

var tracer = otel.Tracer("z-voice/pipeline")

// Transcriber converts caller audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Responder produces the assistant reply for one utterance.
type Responder interface {
	Respond(ctx context.Context, history []ai.Message, utterance string) (*ai.Reply, error)
}

// Synthesizer converts reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.Audio, error)
}

// Deps 进程级依赖，由传输层在每个会话创建时注入。
type Deps struct {
	Transcriber    Transcriber
	Responder      Responder
	Synthesizer    Synthesizer
	Store          chatsvc.Store
	Archive        *Archive
	Metrics        *metrics.Collector
	Logger         *zap.Logger
	PersistTimeout time.Duration
}

// Pipeline 单个会话的轮次处理器，同一时刻最多一个轮次在执行。
type Pipeline struct {
	turnMu sync.Mutex

	mu      sync.Mutex
	session chat.Session

	agent   agent.Config
	deps    Deps
	logger  *zap.Logger
	history []ai.Message
}

// New builds the pipeline for a session. A bound conversation seeds the in-memory history once.
func New(ctx context.Context, session chat.Session, cfg agent.Config, deps Deps) (*Pipeline, error) {
	if deps.Transcriber == nil || deps.Responder == nil || deps.Synthesizer == nil {
		return nil, errors.New("pipeline requires transcriber, responder and synthesizer")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = DefaultPersistTimeout
	}

	p := &Pipeline{
		session: session,
		agent:   cfg.WithDefaults(),
		deps:    deps,
		logger: deps.Logger.With(
			zap.String("component", "pipeline"),
			zap.String("session_id", session.ID),
			zap.String("agent_id", cfg.ID),
		),
	}

	if !session.Ephemeral() && deps.Store != nil {
		messages, err := deps.Store.ListMessages(ctx, session.ConversationID)
		if err != nil {
			return nil, err
		}
		p.history = ai.FromChat(messages)
	}

	p.session.State = chat.SessionActive
	p.session.LastActivity = time.Now().UTC()
	return p, nil
}

// Session returns a snapshot of the session.
func (p *Pipeline) Session() chat.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// History returns a copy of the in-memory conversation history.
func (p *Pipeline) History() []ai.Message {
	p.turnMu.Lock()
	defer p.turnMu.Unlock()
	return append([]ai.Message(nil), p.history...)
}

// ProcessAudio 处理一帧音频并完整执行一个轮次。
// 静音返回 EmptyInput 且不报错；阶段失败返回带类别的错误，会话保持可用。
func (p *Pipeline) ProcessAudio(ctx context.Context, frame []byte) (*Turn, error) {
	p.turnMu.Lock()
	defer p.turnMu.Unlock()

	if state := p.Session().State; state != chat.SessionActive {
		return nil, ErrPipelineClosed
	}

	turn := &Turn{ID: uuid.NewString(), Input: frame, Stage: StageIdle, StartedAt: time.Now()}
	ctx, span := tracer.Start(ctx, "pipeline.turn", trace.WithAttributes(
		attribute.String("session_id", p.session.ID),
		attribute.String("turn_id", turn.ID),
	))
	defer func() {
		turn.Duration = time.Since(turn.StartedAt)
		span.SetAttributes(attribute.String("outcome", string(turn.Outcome)))
		span.End()
		p.deps.Metrics.RecordTurn(string(turn.Outcome))
		p.touch()
	}()

	err := p.run(ctx, turn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(turn.Stage))
		turn.Outcome = OutcomeFailed
		turn.Err = err
		turn.Audio = nil
		p.logger.Warn("turn failed",
			zap.String("turn_id", turn.ID),
			zap.String("stage", string(turn.Stage)),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return turn, err
	}
	return turn, nil
}

func (p *Pipeline) run(ctx context.Context, turn *Turn) error {
	err := p.stage(ctx, turn, StageTranscribing, func(ctx context.Context) error {
		text, err := p.deps.Transcriber.Transcribe(ctx, turn.Input, p.agent.Voice.Language)
		turn.Transcript = strings.TrimSpace(text)
		return err
	})
	if err != nil {
		return err
	}
	if turn.Transcript == "" {
		turn.Outcome = OutcomeEmptyInput
		p.logger.Debug("empty input", zap.String("turn_id", turn.ID))
		return nil
	}

	// 用户消息在提交前只存在于本轮
	err = p.stage(ctx, turn, StageResponding, func(ctx context.Context) error {
		reply, err := p.deps.Responder.Respond(ctx, p.history, turn.Transcript)
		if err != nil {
			return err
		}
		turn.Reply = reply.Text
		turn.Invocations = reply.Invocations
		return nil
	})
	if err != nil {
		return err
	}

	err = p.stage(ctx, turn, StageSynthesizing, func(ctx context.Context) error {
		audio, err := p.deps.Synthesizer.Synthesize(ctx, speech.SynthesisRequest{
			Text:     turn.Reply,
			Voice:    p.agent.Voice.ID,
			Speed:    p.agent.Voice.Speed,
			Language: p.agent.Voice.Language,
		})
		if err != nil {
			return err
		}
		turn.Audio = audio
		return nil
	})
	if err != nil {
		return err
	}

	// 连接在提交前断开则放弃本轮，不写入任何消息。
	if err := ctx.Err(); err != nil {
		return err
	}

	p.commit(ctx, turn)
	p.history = append(p.history, ai.UserMessage{Text: turn.Transcript}, ai.AssistantMessage{Text: turn.Reply})
	turn.Outcome = OutcomeCompleted
	return nil
}

func (p *Pipeline) stage(ctx context.Context, turn *Turn, stage Stage, fn func(context.Context) error) error {
	turn.Stage = stage
	ctx, span := tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	p.deps.Metrics.RecordStage(string(stage), time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil && apperr.KindOf(err) == "" {
			return ctxErr
		}
	}
	return err
}

// commit 原子写入用户与助手消息。失败只记录日志与指标，不影响已生成的音频。
func (p *Pipeline) commit(ctx context.Context, turn *Turn) {
	if p.session.Ephemeral() || p.deps.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deps.PersistTimeout)
	defer cancel()

	user := chat.Message{Role: chat.RoleUser, Content: turn.Transcript}
	assistant := chat.Message{Role: chat.RoleAssistant, Content: turn.Reply, Metadata: invocationMetadata(turn.Invocations)}

	if p.deps.Archive != nil {
		user.AudioRef = p.archive(chat.RoleUser, turn.ID, inputExt(turn.Input), turn.Input)
		if turn.Audio != nil {
			assistant.AudioRef = p.archive(chat.RoleAssistant, turn.ID, turn.Audio.Format, turn.Audio.Data)
		}
	}

	if err := p.deps.Store.AppendTurn(ctx, p.session.ConversationID, user, assistant); err != nil {
		p.deps.Metrics.RecordPersistenceFailure()
		p.logger.Error("persist turn failed",
			zap.String("turn_id", turn.ID),
			zap.String("conversation_id", p.session.ConversationID),
			zap.Error(apperr.Wrap(apperr.KindPersistence, "pipeline.commit", err)))
	}
}

func (p *Pipeline) archive(role chat.Role, turnID, ext string, data []byte) string {
	path, err := p.deps.Archive.Save(p.session.ID, role, turnID, ext, data)
	if err != nil {
		p.logger.Warn("archive audio failed", zap.String("role", string(role)), zap.Error(err))
		return ""
	}
	return path
}

func invocationMetadata(invocations []ai.ToolInvocation) json.RawMessage {
	if len(invocations) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"tools": invocations})
	if err != nil {
		return nil
	}
	return payload
}

func (p *Pipeline) touch() {
	p.mu.Lock()
	p.session.LastActivity = time.Now().UTC()
	p.mu.Unlock()
}

// Close 等待进行中的轮次结束后关闭会话，并结束绑定的对话记录。可重复调用。
// cause 非空表示会话因传输错误结束，对话标记为 error。
func (p *Pipeline) Close(ctx context.Context, cause error) error {
	p.mu.Lock()
	if p.session.State == chat.SessionClosing || p.session.State == chat.SessionClosed {
		p.mu.Unlock()
		return nil
	}
	p.session.State = chat.SessionClosing
	p.mu.Unlock()

	p.turnMu.Lock()
	defer p.turnMu.Unlock()

	var err error
	if !p.session.Ephemeral() && p.deps.Store != nil {
		status := chat.ConversationEnded
		if cause != nil {
			status = chat.ConversationError
		}
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deps.PersistTimeout)
		err = p.deps.Store.EndConversation(endCtx, p.session.ConversationID, status)
		cancel()
		if err != nil {
			p.deps.Metrics.RecordPersistenceFailure()
			p.logger.Warn("end conversation failed", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.session.State = chat.SessionClosed
	p.mu.Unlock()
	return err
}
