package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"gravity-claw/internal/llm"
)

// Invocation 描述一次工具调用。
type Invocation struct {
	Name      string
	Arguments json.RawMessage
	SessionID string
	// Depth 记录子代理嵌套层级，顶层对话为 0。
	Depth int
}

// Result 是工具的执行结果，Text 原样回填给模型。
type Result struct {
	Text    string
	IsError bool
}

// Handler 是进程内工具的统一接口。
type Handler interface {
	Declaration() llm.ToolDeclaration
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// ErrorResult 构造 {"error": ...} 形式的结果。
func ErrorResult(message string) Result {
	encoded, _ := json.Marshal(map[string]string{"error": message})
	return Result{Text: string(encoded), IsError: true}
}

// TextResult 将任意值编码为结果文本，字符串原样返回。
func TextResult(value any) Result {
	switch v := value.(type) {
	case nil:
		return Result{Text: "{}"}
	case string:
		return Result{Text: v}
	case Result:
		return v
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ErrorResult(fmt.Sprintf("无法编码工具结果: %v", err))
	}
	return Result{Text: string(encoded)}
}

// LooksLikeError 判断结果文本是否带有错误标记（不区分大小写包含 "error"）。
func LooksLikeError(text string) bool {
	return strings.Contains(strings.ToLower(text), "error")
}

type funcHandler[T any] struct {
	decl llm.ToolDeclaration
	fn   func(ctx context.Context, args T, inv Invocation) (any, error)
}

// Func 将类型化函数包装为 Handler，参数 schema 由 T 反射生成。
func Func[T any](name, description string, fn func(ctx context.Context, args T, inv Invocation) (any, error)) Handler {
	var zero T
	return &funcHandler[T]{
		decl: llm.ToolDeclaration{Name: name, Description: description, Parameters: SchemaFor(zero)},
		fn:   fn,
	}
}

func (h *funcHandler[T]) Declaration() llm.ToolDeclaration { return h.decl }

func (h *funcHandler[T]) Execute(ctx context.Context, inv Invocation) (Result, error) {
	var args T
	if raw := strings.TrimSpace(string(inv.Arguments)); raw != "" && raw != "null" {
		if err := json.Unmarshal(inv.Arguments, &args); err != nil {
			return Result{}, fmt.Errorf("参数解析失败: %w", err)
		}
	}
	out, err := h.fn(ctx, args, inv)
	if err != nil {
		return Result{}, err
	}
	return TextResult(out), nil
}

// SchemaFor 反射生成参数结构体的 JSON Schema，去掉 $schema 与 $id 以兼容模型端点。
func SchemaFor(v any) json.RawMessage {
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(v)
	encoded, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	var generic map[string]any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return encoded
	}
	delete(generic, "$schema")
	delete(generic, "$id")
	if _, ok := generic["properties"]; !ok {
		generic["properties"] = map[string]any{}
	}
	cleaned, err := json.Marshal(generic)
	if err != nil {
		return encoded
	}
	return cleaned
}

// NoArgs 用于无参数的工具。
type NoArgs struct{}
