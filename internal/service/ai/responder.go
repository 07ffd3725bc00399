package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
)

// MaxToolRoundTrips 每轮对话最多一次工具往返，之后必须直接回答。
const MaxToolRoundTrips = 1

var tracer = otel.Tracer("github.com/zhouzirui/z-voice/backend/internal/service/ai")

// ToolExecutor 模型可调用的工具集合，tools.Toolset 实现该接口。
type ToolExecutor interface {
	Empty() bool
	Infos() ([]*schema.ToolInfo, error)
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ToolInvocation records one tool call made while answering.
type ToolInvocation struct {
	CallID    string          `json:"callId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Kind      apperr.Kind     `json:"kind,omitempty"`
	Err       error           `json:"-"`
}

// Succeeded reports whether the tool returned a result.
func (i ToolInvocation) Succeeded() bool {
	return i.Err == nil
}

// Reply 助手的最终文本与本轮工具调用记录
type Reply struct {
	Text        string
	Invocations []ToolInvocation
}

// Responder 根据系统提示、历史与用户话语生成助手回复。
type Responder struct {
	base   model.ToolCallingChatModel
	tools  ToolExecutor
	system string
	limit  int
	logger *zap.Logger

	mu      sync.Mutex
	primary model.BaseChatModel
}

// NewResponder binds a chat model, an optional toolset and the agent snapshot.
func NewResponder(base model.ToolCallingChatModel, tools ToolExecutor, cfg agent.Config, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()
	return &Responder{
		base:   base,
		tools:  tools,
		system: cfg.SystemPrompt(),
		limit:  cfg.HistoryLimit,
		logger: logger.With(zap.String("agent_id", cfg.ID)),
	}
}

// Respond 生成回复：模型可请求一次工具调用，工具结果回填后再请求一次最终回答。
// 工具失败不会中断本轮，错误以结构化结果交给模型。
func (r *Responder) Respond(ctx context.Context, history []Message, utterance string) (*Reply, error) {
	const op = "ai.respond"
	ctx, span := tracer.Start(ctx, "responder.respond")
	defer span.End()

	if r.base == nil {
		return nil, apperr.New(apperr.KindInference, op, "chat model is not configured")
	}

	messages := r.buildMessages(history, utterance)

	primary, err := r.primaryModel()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInference, op, err)
	}

	out, err := primary.Generate(ctx, toSchemaMessages(messages))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return nil, r.inferenceError(ctx, op, err)
	}

	reply := &Reply{}
	for round := 0; out != nil && len(out.ToolCalls) > 0; round++ {
		if round >= MaxToolRoundTrips {
			r.logger.Warn("model requested tools past the round-trip limit; ignoring", zap.Int("calls", len(out.ToolCalls)))
			break
		}
		request := toolRequestFromSchema(out)
		messages = append(messages, request)
		for _, call := range request.Calls {
			inv := r.invoke(ctx, call)
			reply.Invocations = append(reply.Invocations, inv)
			messages = append(messages, ToolResultMessage{CallID: inv.CallID, Name: inv.Name, Result: inv.Result})
		}

		// 最终回答使用未绑定工具的模型，保证最多一次往返。
		out, err = r.base.Generate(ctx, toSchemaMessages(messages))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "follow-up generate failed")
			return nil, r.inferenceError(ctx, op, err)
		}
		if len(out.ToolCalls) > 0 {
			r.logger.Warn("follow-up reply requested tools again; using its text only")
		}
	}

	if out != nil {
		reply.Text = strings.TrimSpace(out.Content)
	}
	span.SetAttributes(attribute.Int("tool_calls", len(reply.Invocations)))
	if reply.Text == "" {
		return nil, apperr.New(apperr.KindEmptyResponse, op, "model returned an empty reply")
	}
	return reply, nil
}

func (r *Responder) buildMessages(history []Message, utterance string) []Message {
	window := Window(history, r.limit)
	messages := make([]Message, 0, len(window)+2)
	messages = append(messages, SystemMessage{Text: r.system})
	messages = append(messages, window...)
	return append(messages, UserMessage{Text: utterance})
}

// primaryModel 返回首次请求使用的模型，绑定工具的实例在会话内复用。
func (r *Responder) primaryModel() (model.BaseChatModel, error) {
	if r.tools == nil || r.tools.Empty() {
		return r.base, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.primary != nil {
		return r.primary, nil
	}
	infos, err := r.tools.Infos()
	if err != nil {
		return nil, fmt.Errorf("build tool descriptions: %w", err)
	}
	if len(infos) == 0 {
		return r.base, nil
	}
	bound, err := r.base.WithTools(infos)
	if err != nil {
		return nil, err
	}
	r.primary = bound
	return bound, nil
}

func (r *Responder) invoke(ctx context.Context, call ToolCall) ToolInvocation {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	inv := ToolInvocation{CallID: call.ID, Name: call.Name, Arguments: args}

	ctx, span := tracer.Start(ctx, "responder.tool")
	span.SetAttributes(attribute.String("tool", inv.Name))
	defer span.End()

	if !json.Valid(args) {
		inv.Err = apperr.Newf(apperr.KindToolExecution, "ai.tool", "arguments for %s are not valid JSON", inv.Name)
	} else if r.tools == nil {
		inv.Err = apperr.Newf(apperr.KindToolNotFound, "ai.tool", "tool %q is not available", inv.Name)
	} else {
		inv.Result, inv.Err = r.tools.Invoke(ctx, inv.Name, args)
	}

	if inv.Err != nil {
		span.RecordError(inv.Err)
		inv.Kind = apperr.KindOf(inv.Err)
		if inv.Kind == "" {
			inv.Kind = apperr.KindToolExecution
		}
		inv.Result = failureResult(inv.Err, inv.Kind)
		r.logger.Warn("tool call failed", zap.String("tool", inv.Name), zap.String("kind", string(inv.Kind)), zap.Error(inv.Err))
		return inv
	}
	if len(inv.Result) == 0 || !json.Valid(inv.Result) {
		inv.Result = json.RawMessage(`{"success":true}`)
	}
	return inv
}

func (r *Responder) inferenceError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Wrap(apperr.KindInference, op, err)
}

func failureResult(err error, kind apperr.Kind) json.RawMessage {
	payload, _ := json.Marshal(struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Kind    string `json:"kind"`
	}{Success: false, Error: apperr.Message(err), Kind: string(kind)})
	return payload
}
