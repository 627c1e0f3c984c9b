package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

type readSkillArgs struct {
	Name string `json:"name" jsonschema:"description=The name of the skill to read."`
}

// ReadSkill 按名称返回技能说明。
func ReadSkill(finder SkillFinder) tools.Handler {
	return tools.Func("read_skill", "Read the full instructions of a loaded skill by name.",
		func(_ context.Context, args readSkillArgs, _ tools.Invocation) (any, error) {
			skill, ok := finder.Find(args.Name)
			if !ok {
				return nil, fmt.Errorf("Skill not found: %s", args.Name)
			}
			return map[string]string{
				"name":         skill.Name,
				"description":  skill.Description,
				"instructions": skill.Instructions,
			}, nil
		})
}

type delegateArgs struct {
	Role string `json:"role" jsonschema:"description=The specialist persona the sub-agent should adopt (e.g. 'Market Analyst')."`
	Task string `json:"task" jsonschema:"description=The self-contained task the sub-agent must complete."`
}

// Delegate 将任务交给指定角色的子代理。
func Delegate(runner SubagentRunner) tools.Handler {
	return tools.Func("delegate_to_subagent",
		"Spawn a specialized sub-agent with its own persona to complete a focused task and return its result.",
		func(ctx context.Context, args delegateArgs, inv tools.Invocation) (any, error) {
			result, err := runner.Delegate(ctx, args.Role, args.Task, inv.Depth)
			if err != nil {
				return nil, err
			}
			return map[string]string{"result": result}, nil
		})
}

// Workflow 是 mesh 工作流的 YAML 定义。
type Workflow struct {
	Name  string         `yaml:"name"`
	Steps []WorkflowStep `yaml:"steps"`
}

// WorkflowStep 是工作流中的一步。
type WorkflowStep struct {
	ID     string         `yaml:"id"`
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// MeshResult 是工作流的执行结果。
type MeshResult struct {
	Success     bool              `json:"success"`
	FinalResult string            `json:"final_result"`
	Trace       map[string]string `json:"trace"`
}

var templateVar = regexp.MustCompile(`\{\{([\w.]+)\}\}`)

type meshArgs struct {
	WorkflowName string `json:"workflow_name" jsonschema:"description=The name of the YAML file in the workflows directory without the .yaml extension."`
	InitialInput string `json:"initial_input" jsonschema:"description=The raw string data or goal to feed into the first step of the workflow."`
}

// Mesh 执行 workflows 目录下的多代理工作流，上一步的输出可作为下一步的输入。
func Mesh(dir string, runner SubagentRunner) tools.Handler {
	log := logger.Named("mesh")
	return tools.Func("execute_mesh_workflow",
		"Execute a predefined Directed Acyclic Graph (DAG) of multi-agent subroutines defined in a YAML file. Passes the output of one sub-agent as the input to the next.",
		func(ctx context.Context, args meshArgs, inv tools.Invocation) (any, error) {
			workflow, err := LoadWorkflow(dir, args.WorkflowName)
			if err != nil {
				return nil, fmt.Errorf("Workflow failed: %w", err)
			}
			log.Info("开始执行工作流", slog.String("workflow", args.WorkflowName), slog.Int("steps", len(workflow.Steps)))
			result, err := RunWorkflow(ctx, workflow, args.InitialInput, runner, inv.Depth)
			if err != nil {
				log.Warn("工作流执行失败", slog.String("workflow", args.WorkflowName), slog.Any("error", err))
				return nil, fmt.Errorf("Workflow failed: %w", err)
			}
			return result, nil
		})
}

// LoadWorkflow 读取并校验工作流文件。
func LoadWorkflow(dir, name string) (*Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid workflow name %q", name)
	}
	content, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		return nil, err
	}
	var workflow Workflow
	if err := yaml.Unmarshal(content, &workflow); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(workflow.Steps) == 0 {
		return nil, errors.New("Invalid workflow format. Must contain a 'steps' array.")
	}
	return &workflow, nil
}

// RunWorkflow 顺序执行各步骤，变量 {{input}} 与 {{<id>.result}} 会被替换。
func RunWorkflow(ctx context.Context, workflow *Workflow, input string, runner SubagentRunner, depth int) (*MeshResult, error) {
	trace := map[string]string{"input": input}
	var last string
	for _, step := range workflow.Steps {
		if step.Action != "delegate_to_subagent" {
			return nil, fmt.Errorf("Unsupported action in step %s: %s", step.ID, step.Action)
		}
		resolved := resolveArgs(step.Args, trace)
		role, _ := resolved["role"].(string)
		task, _ := resolved["task"].(string)
		result, err := runner.Delegate(ctx, role, task, depth)
		if err != nil {
			return nil, fmt.Errorf("Sub-agent error in step %s: %w", step.ID, err)
		}
		trace[step.ID+".result"] = result
		last = result
	}
	return &MeshResult{Success: true, FinalResult: last, Trace: trace}, nil
}

func resolveArgs(args map[string]any, vars map[string]string) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		text, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}
		out[key] = templateVar.ReplaceAllStringFunc(text, func(match string) string {
			name := templateVar.FindStringSubmatch(match)[1]
			if v, ok := vars[name]; ok {
				return v
			}
			return match
		})
	}
	return out
}
