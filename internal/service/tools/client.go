package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-voice/backend/internal/apperr"
)

// Call 一次工具调用，AgentID/TenantID 供策略判断。
type Call struct {
	Name      string
	Arguments json.RawMessage
	AgentID   string
	TenantID  string
}

// Invoker 执行工具调用。
type Invoker interface {
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

// Client 工具网关 HTTP 客户端
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "tool_gateway")),
	}
}

type discoveredTool struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Parameters       json.RawMessage `json:"parameters"`
	InputSchema      json.RawMessage `json:"input_schema"`
	InputSchemaCamel json.RawMessage `json:"inputSchema"`
}

// Discover lists the tools advertised by the gateway.
func (c *Client) Discover(ctx context.Context) ([]Tool, error) {
	const op = "tools.discover"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.KindGatewayUnavailable, op, "gateway returned %d", resp.StatusCode)
	}

	// 兼容裸数组与 {"tools": [...]} 两种格式。
	var items []discoveredTool
	if err := json.Unmarshal(body, &items); err != nil {
		var wrapped struct {
			Tools []discoveredTool `json:"tools"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, fmt.Errorf("decode tool list: %w", err))
		}
		items = wrapped.Tools
	}

	out := make([]Tool, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			continue
		}
		params := item.Parameters
		if len(params) == 0 {
			params = item.InputSchema
		}
		if len(params) == 0 {
			params = item.InputSchemaCamel
		}
		out = append(out, withStandardSchema(Tool{Name: item.Name, Description: item.Description, Parameters: params}))
	}
	return out, nil
}

// Invoke posts the arguments to the named tool and returns its raw JSON result.
func (c *Client) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	const op = "tools.invoke"
	args := call.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/"+url.PathEscape(call.Name), bytes.NewReader(args))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindToolExecution, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGatewayUnavailable, op, err)
	}
	c.logger.Debug("tool invoked",
		zap.String("tool", call.Name),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.Newf(apperr.KindToolNotFound, op, "tool %q not found", call.Name)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, apperr.New(apperr.KindToolExecution, op, errorText(body, resp.Status))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(body) {
		encoded, _ := json.Marshal(string(body))
		return encoded, nil
	}

	var envelope struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Success != nil && !*envelope.Success {
		msg := envelope.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, apperr.New(apperr.KindToolExecution, op, msg)
	}
	return json.RawMessage(body), nil
}

// errorText 提取网关错误信息：优先 JSON 的 error/detail 字段，否则原文。
func errorText(body []byte, fallback string) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
