package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/llm"
)

const (
	defaultBaseURL     = "https://api.mistral.ai/v1"
	defaultModelName   = "mistral-large-latest"
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.2
	defaultMaxTokens   = 2000
)

// Config 描述了调用 OpenAI 兼容 Chat Completions 接口所需的信息。
// Mistral 与 OpenAI 均使用该协议。
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Observer 在每次调用结束后收到耗时与错误。
type Observer func(agent string, elapsed time.Duration, err error)

// Client 通过 HTTP 调用推理服务。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   Observer
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithObserver 注册调用观察者，通常用于指标采集。
func WithObserver(obs Observer) Option {
	return func(c *Client) { c.observer = obs }
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供推理服务 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	c := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Close 释放空闲连接。
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Complete 以 JSON 模式请求一次推理，返回原始文本内容。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	system := req.System
	if notes := llm.FormatKnowledge(req.Knowledge); notes != "" {
		system += notes
	}
	body := chatPayload{
		Model: c.model,
		Messages: []wireMessage{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: req.Prompt},
		},
		Temperature:    temperature(req.Temperature),
		MaxTokens:      maxTokens(req.MaxTokens),
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	msg, err := c.do(ctx, req.Agent, body)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeOracleMalformed, "推理服务返回内容为空")
	}
	return &llm.Response{Content: content, Model: c.model}, nil
}

// Chat 发送带工具定义的多轮对话，返回助手消息（可能包含工具调用）。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Message, error) {
	body := chatPayload{
		Model:       c.model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: temperature(req.Temperature),
		MaxTokens:   maxTokens(req.MaxTokens),
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWire(m))
	}
	if len(req.Tools) > 0 {
		body.ToolChoice = "auto"
		for _, tool := range req.Tools {
			body.Tools = append(body.Tools, wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
	}

	msg, err := c.do(ctx, req.Agent, body)
	if err != nil {
		return nil, err
	}
	out := &llm.Message{Role: llm.RoleAssistant, Content: msg.Content}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, agent string, body chatPayload) (msg *wireMessage, err error) {
	started := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer(agent, time.Since(started), err)
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, err, "等待推理服务配额失败")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化推理请求失败")
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建推理请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err, "请求推理服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeOracleUnavailable,
			fmt.Sprintf("推理服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))),
			xerrors.WithMetadata("agent", agent),
			xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError),
		)
	}

	var decoded struct {
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOracleMalformed, err, "解析推理服务响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeOracleMalformed, "推理服务响应中没有有效的 choices")
	}
	return &decoded.Choices[0].Message, nil
}

func classify(ctx context.Context, err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeOracleUnavailable, err, message)
}

func temperature(v float64) float64 {
	if v <= 0 {
		return defaultTemperature
	}
	return v
}

func maxTokens(v int) int {
	if v <= 0 {
		return defaultMaxTokens
	}
	return v
}

type chatPayload struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

func toWire(m llm.Message) wireMessage {
	out := wireMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, call := range m.ToolCalls {
		wc := wireToolCall{ID: call.ID, Type: "function"}
		wc.Function.Name = call.Name
		wc.Function.Arguments = call.Arguments
		out.ToolCalls = append(out.ToolCalls, wc)
	}
	return out
}

var _ llm.ToolClient = (*Client)(nil)
