package llm

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "Treasury-Autopilot/internal/errors"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Request 描述一次 JSON 模式的推理请求。
type Request struct {
	// Agent 标识调用方，用于日志与指标。
	Agent       string
	System      string
	Prompt      string
	Knowledge   []KnowledgeCard
	Temperature float64
	MaxTokens   int
}

// Response 是推理服务返回的原始内容。
type Response struct {
	Content string
	Model   string
}

// KnowledgeCard 是附加在提示词里的参考资料。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用推理服务的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Tool 描述一个可供推理服务调用的函数。
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall 是推理服务请求的一次函数调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message 是多轮对话中的一条消息。
type Message struct {
	Role       string
	Content    string
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ChatRequest 描述一次带工具的多轮对话请求。
type ChatRequest struct {
	Agent       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// ToolClient 是支持函数调用的推理服务。
type ToolClient interface {
	Client
	Chat(ctx context.Context, req ChatRequest) (*Message, error)
}

// ParseJSON 从推理结果中提取第一个 JSON 对象并解码到 v。
// 兼容 markdown 代码块以及前后夹杂的说明文字。
func ParseJSON(content string, v any) error {
	body := extractObject(content)
	if body == "" {
		return xerrors.New(xerrors.CodeOracleMalformed, "推理结果中没有 JSON 对象")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return xerrors.Wrap(xerrors.CodeOracleMalformed, err, "解析推理结果失败")
	}
	return nil
}

func extractObject(content string) string {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// FormatKnowledge 将参考资料渲染为提示词片段。
func FormatKnowledge(cards []KnowledgeCard) string {
	if len(cards) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n## Treasury notes\n")
	for i, card := range cards {
		if i >= 5 {
			break
		}
		b.WriteString("- ")
		if title := strings.TrimSpace(card.Title); title != "" {
			b.WriteString(title)
			b.WriteString(": ")
		}
		b.WriteString(truncate(card.Content, 240))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
