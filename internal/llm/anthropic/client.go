package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 60 * time.Second
)

// Config 描述 Anthropic Messages API 的接入参数。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 将统一的消息结构转换为 Anthropic 的内容块。
type Client struct {
	api       sdk.Client
	model     string
	maxTokens int64
}

// NewClient 创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{api: sdk.NewClient(opts...), model: model, maxTokens: maxTokens}, nil
}

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}

	system, messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转换消息失败")
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "转换工具声明失败")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
		Tools:     tools,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(float64(*req.Temperature))
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "请求 Anthropic 失败",
			xerrors.WithMetadata("model", model))
	}

	out := &llm.Response{Model: string(resp.Model)}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = strings.Join(text, "\n")
	return out, nil
}

// convertMessages 抽出 system 消息，并把连续的 tool 结果合并为一条 user 消息。
func convertMessages(messages []llm.Message) (string, []sdk.MessageParam, error) {
	var (
		system  []string
		out     []sdk.MessageParam
		results []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(results) > 0 {
			out = append(out, sdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Text())
		case llm.RoleTool:
			results = append(results, sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, isErrorResult(msg.Content)))
		case llm.RoleAssistant:
			flush()
			var blocks []sdk.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &input); err != nil {
						return "", nil, fmt.Errorf("工具调用参数不是合法 JSON: %w", err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			blocks, err := userBlocks(msg)
			if err != nil {
				return "", nil, err
			}
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	flush()
	return strings.Join(system, "\n"), out, nil
}

func userBlocks(msg llm.Message) ([]sdk.ContentBlockParamUnion, error) {
	if len(msg.Parts) == 0 {
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(msg.Content)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		if part.Type != llm.PartImageURL {
			blocks = append(blocks, sdk.NewTextBlock(part.Text))
			continue
		}
		mediaType, data, err := splitDataURL(part.ImageURL)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, data))
	}
	return blocks, nil
}

// splitDataURL 解析 data:<mime>;base64,<payload> 形式的图片引用。
func splitDataURL(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", "", fmt.Errorf("图片引用不是 data URL: %.32s", ref)
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", errors.New("data URL 缺少数据段")
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", errors.New("data URL 必须为 base64 编码")
	}
	return mediaType, data, nil
}

func isErrorResult(content string) bool {
	return strings.Contains(strings.ToLower(content), "error")
}

func convertTools(tools []llm.ToolDeclaration) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("工具 %s 的参数声明无效: %w", tool.Name, err)
			}
		}
		param := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("工具 %s 缺少定义", tool.Name)
		}
		param.OfTool.Description = sdk.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
