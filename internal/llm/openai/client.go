package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultModelName      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTimeout        = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions 端点所需的信息。
// OpenRouter 与 Gemini 的 OpenAI 兼容端点同样通过该客户端访问。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client 基于 go-openai 调用模型与向量接口。
type Client struct {
	api            *goopenai.Client
	model          string
	embeddingModel string
}

// NewClient 根据配置创建 OpenAI 兼容客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	apiCfg := goopenai.DefaultConfig(apiKey)
	apiCfg.BaseURL = baseURL
	if cfg.HTTPClient != nil {
		apiCfg.HTTPClient = cfg.HTTPClient
	} else {
		apiCfg.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		api:            goopenai.NewClientWithConfig(apiCfg),
		model:          model,
		embeddingModel: embeddingModel,
	}, nil
}

// Complete 调用 Chat Completions，只使用第一个 choice。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Tools:    convertTools(req.Tools),
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}

	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求模型失败",
			xerrors.WithMetadata("model", model))
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "模型响应中没有有效的 choices",
			xerrors.WithMetadata("model", model))
	}

	msg := resp.Choices[0].Message
	out := &llm.Response{Content: msg.Content, Model: resp.Model}
	for _, call := range msg.ToolCalls {
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}

// Embed 实现 llm.Embedder。
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("待向量化的文本为空")
	}
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: goopenai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("生成向量失败: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("向量响应为空")
	}
	return resp.Data[0].Embedding, nil
}

func convertMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.Parts) > 0 {
			parts := make([]goopenai.ChatMessagePart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				switch part.Type {
				case llm.PartImageURL:
					parts = append(parts, goopenai.ChatMessagePart{
						Type: goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{
							URL:    part.ImageURL,
							Detail: goopenai.ImageURLDetailAuto,
						},
					})
				default:
					parts = append(parts, goopenai.ChatMessagePart{
						Type: goopenai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
			converted.MultiContent = parts
		} else {
			converted.Content = msg.Content
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func convertTools(tools []llm.ToolDeclaration) []goopenai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]goopenai.Tool, 0, len(tools))
	for _, tool := range tools {
		var params any = map[string]any{"type": "object", "properties": map[string]any{}}
		if len(tool.Parameters) > 0 {
			params = tool.Parameters
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
