package llm

import (
	"context"
	"encoding/json"
)

// Role 标识一条消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType 描述多段内容中的片段类型。
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// Part 是多段用户消息中的一个片段，图片以 data URL 形式内联。
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

// Message 是发送给模型的一条有序消息。
// Parts 不为空时优先于 Content，用于同一轮携带文本与图片。
type Message struct {
	Role       Role
	Content    string
	Parts      []Part
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall 是模型请求执行的一次工具调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDeclaration 描述一个可供模型调用的工具。
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request 描述一次模型调用。
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDeclaration
	Temperature *float32
}

// Response 是模型第一个 choice 的内容，要么是文本，要么是工具调用列表。
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Embedder 将文本转换为向量，供语义召回使用。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Text 返回消息中的纯文本部分。
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, part := range m.Parts {
		if part.Type == PartText {
			if out != "" {
				out += "\n"
			}
			out += part.Text
		}
	}
	return out
}
