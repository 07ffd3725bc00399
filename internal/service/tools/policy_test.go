package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
)

const testPolicy = `
package tool_policy

default decision = "allow"

decision = "block" {
	input.tool_name == "send_email"
	input.tenant_id == "trial"
}
`

func TestPolicyEngineDecisions(t *testing.T) {
	engine, err := NewPolicyEngine(context.Background(), testPolicy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), Call{Name: "send_email", TenantID: "trial"})
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, decision)

	decision, err = engine.Evaluate(context.Background(), Call{Name: "send_email", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision)
}

func TestDefaultPolicyRequiresApprovalForPlainHTTPWebhooks(t *testing.T) {
	engine, err := NewPolicyEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(context.Background(), Call{
		Name:      "trigger_webhook",
		Arguments: json.RawMessage(`{"webhook_url":"http://hooks.example/x","payload":{}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionRequireApproval, decision)
}

func TestPolicyInvoker(t *testing.T) {
	engine, err := NewPolicyEngine(context.Background(), testPolicy)
	require.NoError(t, err)
	next := &recordingInvoker{result: json.RawMessage(`{"sent":true}`)}
	invoker := NewPolicyInvoker(next, engine, nil)

	_, err = invoker.Invoke(context.Background(), Call{Name: "send_email", TenantID: "trial"})
	assert.True(t, errors.Is(err, apperr.ErrToolExecution))
	assert.Contains(t, apperr.Message(err), "blocked by policy")
	assert.Empty(t, next.calls)

	result, err := invoker.Invoke(context.Background(), Call{Name: "send_email", TenantID: "acme"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sent":true}`, string(result))
}

func TestNewPolicyEngineRejectsInvalidModule(t *testing.T) {
	_, err := NewPolicyEngine(context.Background(), "package tool_policy\n decision = {")
	assert.Error(t, err)
}
