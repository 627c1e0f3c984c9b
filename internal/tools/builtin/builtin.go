package builtin

import (
	"context"
	"net/http"
	"time"

	"gravity-claw/internal/config"
	"gravity-claw/internal/knowledge"
	"gravity-claw/internal/push"
	"gravity-claw/internal/skills"
	"gravity-claw/internal/tools"
)

// SkillFinder 按名称查找已加载的技能，skills.Loader 实现了它。
type SkillFinder interface {
	Find(name string) (skills.Skill, bool)
}

// SubagentRunner 以指定角色运行子代理，agent.Loop 实现了它。
type SubagentRunner interface {
	Delegate(ctx context.Context, role, task string, depth int) (string, error)
}

// Deps 汇总本地工具依赖的组件，缺失的依赖对应的工具不会注册。
type Deps struct {
	Config     config.ToolsConfig
	Documents  knowledge.DocumentStore
	Graph      knowledge.GraphStore
	Publisher  push.Publisher
	Skills     SkillFinder
	Subagents  SubagentRunner
	HTTPClient *http.Client
	Browser    *Browser
	Now        func() time.Time
}

// Handlers 根据依赖构造全部本地工具。
func Handlers(deps Deps) []tools.Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	handlers := []tools.Handler{
		CurrentTime(now),
		Shell(deps.Config.AllowedShellCommands, time.Duration(deps.Config.ShellTimeoutSeconds)*time.Second),
	}
	handlers = append(handlers, Files(deps.Config.AllowedFilePaths)...)
	if deps.Documents != nil {
		handlers = append(handlers, Memory(deps.Documents)...)
	}
	if deps.Graph != nil {
		handlers = append(handlers, Graph(deps.Graph)...)
	}
	if deps.Publisher != nil {
		handlers = append(handlers, Canvas(deps.Publisher))
	}
	handlers = append(handlers, WebSearch(deps.Config.SearchURL, deps.HTTPClient))
	if deps.Browser != nil {
		handlers = append(handlers, deps.Browser.Handlers()...)
	}
	if deps.Skills != nil {
		handlers = append(handlers, ReadSkill(deps.Skills))
	}
	if deps.Subagents != nil {
		handlers = append(handlers,
			Delegate(deps.Subagents),
			Mesh(deps.Config.WorkflowsDir, deps.Subagents),
		)
	}
	return handlers
}

// Register 将本地工具注册到 registry。
func Register(reg *tools.Registry, deps Deps) error {
	for _, handler := range Handlers(deps) {
		if err := reg.Register(handler); err != nil {
			return err
		}
	}
	return nil
}
