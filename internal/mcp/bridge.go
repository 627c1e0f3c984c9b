package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"gravity-claw/internal/llm"
	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "gravity-claw"
	clientVersion   = "1.0.0"
	defaultTimeout  = 30 * time.Second
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Bridge 通过 stdio 启动外部工具服务并转发工具调用。
type Bridge struct {
	name    string
	command string
	args    []string
	env     map[string]string
	timeout time.Duration

	dial      func(ctx context.Context) (client.MCPClient, error)
	connector *tools.LazyConnector

	mu     sync.RWMutex
	client client.MCPClient
	decls  []llm.ToolDeclaration
	remote map[string]string

	log *slog.Logger
}

// Option 定义 Bridge 的可选配置。
type Option func(*Bridge)

// WithTimeout 设置单次请求的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// NewBridge 创建工具桥，连接在首次使用时建立。
func NewBridge(name, command string, args []string, env map[string]string, opts ...Option) *Bridge {
	b := &Bridge{
		name:    name,
		command: command,
		args:    args,
		env:     env,
		timeout: defaultTimeout,
		remote:  make(map[string]string),
		log:     logger.Named("mcp").With(slog.String("bridge", name)),
	}
	b.dial = b.startProcess
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.connector = tools.NewLazyConnector(b.handshake)
	return b
}

// Name 返回桥接名称，同时也是工具名前缀。
func (b *Bridge) Name() string { return b.name }

// Owns 判断工具名是否属于本桥。
func (b *Bridge) Owns(name string) bool {
	return strings.HasPrefix(name, b.name+"_")
}

// Connect 建立连接，重复调用只会连接一次。
func (b *Bridge) Connect(ctx context.Context) error {
	return b.connector.Connect(ctx)
}

// ListTools 返回带命名空间前缀的工具声明。
func (b *Bridge) ListTools(ctx context.Context) ([]llm.ToolDeclaration, error) {
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]llm.ToolDeclaration(nil), b.decls...), nil
}

// CallTool 调用远端工具，远端报告的错误以 {isError, error} 结果返回。
func (b *Bridge) CallTool(ctx context.Context, name string, args json.RawMessage) (tools.Result, error) {
	if !b.Owns(name) {
		return tools.Result{}, fmt.Errorf("工具 %s 不属于 %s", name, b.name)
	}
	if err := b.Connect(ctx); err != nil {
		return tools.Result{}, err
	}

	b.mu.RLock()
	c := b.client
	remoteName, ok := b.remote[name]
	b.mu.RUnlock()
	if c == nil {
		// Connect 之后被并发关闭。
		return errorResult("bridge disconnected"), nil
	}
	if !ok {
		remoteName = strings.TrimPrefix(name, b.name+"_")
	}

	arguments := map[string]any{}
	if trimmed := strings.TrimSpace(string(args)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return errorResult("invalid arguments: " + err.Error()), nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = arguments

	b.log.Info("调用远端工具", slog.String("tool", remoteName))
	result, err := c.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			b.resetIf(c)
		}
		return errorResult(err.Error()), nil
	}

	joined := joinText(result.Content)
	if result.IsError {
		return errorResult(joined), nil
	}
	return tools.Result{Text: joined}, nil
}

// Close 结束工具服务进程。
func (b *Bridge) Close() error {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()
	b.connector.Reset()
	if c == nil {
		return nil
	}
	return c.Close()
}

// resetIf 仅在出错的客户端仍是当前客户端时断开。
func (b *Bridge) resetIf(failed client.MCPClient) {
	b.mu.Lock()
	if b.client != failed {
		b.mu.Unlock()
		return
	}
	b.client = nil
	b.mu.Unlock()
	b.connector.Reset()
	b.log.Warn("工具服务连接已断开，下次调用时重连")
	_ = failed.Close()
}

func errorResult(message string) tools.Result {
	encoded, _ := json.Marshal(map[string]any{"isError": true, "error": message})
	return tools.Result{Text: string(encoded), IsError: true}
}

func joinText(contents []mcp.Content) string {
	texts := make([]string, 0, len(contents))
	for _, item := range contents {
		switch content := item.(type) {
		case mcp.TextContent:
			texts = append(texts, content.Text)
		case *mcp.TextContent:
			texts = append(texts, content.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (b *Bridge) handshake(ctx context.Context) error {
	c, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("启动工具服务 %s 失败: %w", b.name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	if _, err := c.Initialize(callCtx, initReq); err != nil {
		_ = c.Close()
		return fmt.Errorf("初始化工具服务 %s 失败: %w", b.name, err)
	}

	listed, err := c.ListTools(callCtx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("获取工具列表失败: %w", err)
	}

	decls := make([]llm.ToolDeclaration, 0, len(listed.Tools))
	remote := make(map[string]string, len(listed.Tools))
	for _, tool := range listed.Tools {
		exposed := b.name + "_" + unsafeName.ReplaceAllString(tool.Name, "_")
		description := tool.Description
		if description == "" {
			description = fmt.Sprintf("Tool %s from %s", tool.Name, b.name)
		}
		decls = append(decls, llm.ToolDeclaration{
			Name:        exposed,
			Description: description,
			Parameters:  objectSchema(rawSchema(tool)),
		})
		remote[exposed] = tool.Name
	}

	b.mu.Lock()
	b.client = c
	b.decls = decls
	b.remote = remote
	b.mu.Unlock()
	b.log.Info("工具服务已连接", slog.Int("tools", len(decls)))
	return nil
}

func rawSchema(tool mcp.Tool) json.RawMessage {
	if len(tool.RawInputSchema) > 0 {
		return tool.RawInputSchema
	}
	encoded, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil
	}
	return encoded
}

// objectSchema 保证参数 schema 为 object 类型。
func objectSchema(raw json.RawMessage) json.RawMessage {
	var schema map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &schema) != nil || schema == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	schema["type"] = "object"
	if props, ok := schema["properties"]; !ok || props == nil {
		schema["properties"] = map[string]any{}
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return encoded
}

// startProcess 启动子进程，进程生命周期与请求上下文无关。
func (b *Bridge) startProcess(context.Context) (client.MCPClient, error) {
	if strings.TrimSpace(b.command) == "" {
		return nil, fmt.Errorf("工具服务 %s 未配置启动命令", b.name)
	}
	env := make([]string, 0, len(b.env))
	for key, value := range b.env {
		env = append(env, key+"="+value)
	}
	c, err := client.NewStdioMCPClient(b.command, env, b.args...)
	if err != nil {
		return nil, err
	}
	b.log.Info("工具服务进程已启动", slog.String("command", b.command))
	return c, nil
}

var _ tools.Bridge = (*Bridge)(nil)
