package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
	"gravity-claw/pkg/logger"
)

type entry struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Registry 将工具名映射到进程内 Handler，并按注册顺序合并外部桥接的工具。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
	order    []string
	bridges  []Bridge
	log      *slog.Logger
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry), log: logger.Named("tools")}
}

// Register 注册进程内工具，重名返回 CONFLICT。
func (r *Registry) Register(handler Handler) error {
	decl := handler.Declaration()
	name := strings.TrimSpace(decl.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名不能为空")
	}

	var compiled *jsonschema.Schema
	if len(decl.Parameters) > 0 {
		schema, err := jsonschema.CompileString(name+".schema.json", string(decl.Parameters))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数声明无效",
				xerrors.WithMetadata("tool", name))
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具已注册: "+name, xerrors.WithMetadata("tool", name))
	}
	r.handlers[name] = entry{handler: handler, schema: compiled}
	r.order = append(r.order, name)
	return nil
}

// MustRegister 在启动阶段注册工具，失败时 panic。
func (r *Registry) MustRegister(handlers ...Handler) {
	for _, handler := range handlers {
		if err := r.Register(handler); err != nil {
			panic(err)
		}
	}
}

// AddBridge 追加一个外部桥接，查找顺序与追加顺序一致。
func (r *Registry) AddBridge(bridge Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges = append(r.bridges, bridge)
}

// Bridges 返回已注册的桥接。
func (r *Registry) Bridges() []Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Bridge(nil), r.bridges...)
}

// List 返回进程内工具与各桥接工具的声明。桥接失败会被记录并跳过。
func (r *Registry) List(ctx context.Context) []llm.ToolDeclaration {
	r.mu.RLock()
	decls := make([]llm.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.handlers[name].handler.Declaration())
	}
	bridges := append([]Bridge(nil), r.bridges...)
	r.mu.RUnlock()

	for _, bridge := range bridges {
		if err := bridge.Connect(ctx); err != nil {
			r.log.Warn("连接工具桥失败", slog.String("bridge", bridge.Name()), slog.Any("error", err))
			continue
		}
		remote, err := bridge.ListTools(ctx)
		if err != nil {
			r.log.Warn("获取桥接工具列表失败", slog.String("bridge", bridge.Name()), slog.Any("error", err))
			continue
		}
		decls = append(decls, remote...)
	}
	return decls
}

// Execute 分发工具调用，错误以 {"error": ...} 结果返回而不是抛出。
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	r.mu.RLock()
	local, ok := r.handlers[inv.Name]
	bridges := append([]Bridge(nil), r.bridges...)
	r.mu.RUnlock()

	if ok {
		return r.executeLocal(ctx, local, inv)
	}

	for _, bridge := range bridges {
		if !bridge.Owns(inv.Name) {
			continue
		}
		return r.executeBridge(ctx, bridge, inv)
	}

	return ErrorResult("Unknown tool " + inv.Name)
}

func (r *Registry) executeBridge(ctx context.Context, bridge Bridge, inv Invocation) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("工具桥调用 panic", slog.String("bridge", bridge.Name()), slog.String("tool", inv.Name), slog.Any("panic", rec))
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", inv.Name, rec))
		}
	}()

	if err := bridge.Connect(ctx); err != nil {
		return ErrorResult(fmt.Sprintf("工具桥 %s 不可用: %v", bridge.Name(), err))
	}
	result, err := bridge.CallTool(ctx, inv.Name, inv.Arguments)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return result
}

func (r *Registry) executeLocal(ctx context.Context, local entry, inv Invocation) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("工具执行 panic", slog.String("tool", inv.Name), slog.Any("panic", rec))
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", inv.Name, rec))
		}
	}()

	if local.schema != nil {
		var decoded any = map[string]any{}
		if raw := strings.TrimSpace(string(inv.Arguments)); raw != "" && raw != "null" {
			if err := json.Unmarshal(inv.Arguments, &decoded); err != nil {
				return ErrorResult("invalid arguments: " + err.Error())
			}
		}
		if err := local.schema.Validate(decoded); err != nil {
			return ErrorResult("invalid arguments: " + err.Error())
		}
	}

	result, err := local.handler.Execute(ctx, inv)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return result
}
