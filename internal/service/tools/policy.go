package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
)

// Policy decisions returned by data.tool_policy.decision.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// PolicyEngine 基于 OPA 的工具调用策略。
type PolicyEngine struct {
	query rego.PreparedEvalQuery
}

// NewPolicyEngine compiles the rego module. The module must define data.tool_policy.decision.
func NewPolicyEngine(ctx context.Context, module string) (*PolicyEngine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &PolicyEngine{query: query}, nil
}

// LoadPolicyFile 读取策略文件并编译。
func LoadPolicyFile(ctx context.Context, path string) (*PolicyEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return NewPolicyEngine(ctx, string(data))
}

// Evaluate returns the decision for the call. An undefined decision allows the call.
func (e *PolicyEngine) Evaluate(ctx context.Context, call Call) (string, error) {
	var args any = map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	input := map[string]any{
		"tool_name": call.Name,
		"args":      args,
		"agent_id":  call.AgentID,
		"tenant_id": call.TenantID,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionAllow, nil
}

// PolicyInvoker 在调用网关前执行策略判断。
type PolicyInvoker struct {
	next   Invoker
	engine *PolicyEngine
	logger *zap.Logger
}

// NewPolicyInvoker wraps next with the policy engine.
func NewPolicyInvoker(next Invoker, engine *PolicyEngine, logger *zap.Logger) *PolicyInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyInvoker{next: next, engine: engine, logger: logger.With(zap.String("component", "tool_policy"))}
}

// Invoke evaluates the policy and forwards allowed calls.
func (p *PolicyInvoker) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	const op = "tools.policy"
	decision, err := p.engine.Evaluate(ctx, call)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindToolExecution, op, err)
	}
	if decision != DecisionAllow {
		p.logger.Info("tool call denied",
			zap.String("tool", call.Name),
			zap.String("agent_id", call.AgentID),
			zap.String("decision", decision))
		return nil, apperr.Newf(apperr.KindToolExecution, op, "blocked by policy: %s", decision)
	}
	return p.next.Invoke(ctx, call)
}

// DefaultPolicy 默认放行全部工具，仅作示例。
const DefaultPolicy = `
package tool_policy

default decision = "allow"

decision = "require_approval" {
	input.tool_name == "trigger_webhook"
	not startswith(input.args.webhook_url, "https://")
}
`
