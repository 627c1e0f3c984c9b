package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"gravity-claw/internal/push"
	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

const defaultShellTimeout = 30 * time.Second

// CurrentTime 返回当前时间。
func CurrentTime(now func() time.Time) tools.Handler {
	return tools.Func("get_current_time", "Get the current local time.",
		func(context.Context, tools.NoArgs, tools.Invocation) (any, error) {
			return map[string]string{"time": now().UTC().Format(time.RFC3339)}, nil
		})
}

type shellArgs struct {
	Command string `json:"command" jsonschema:"description=The shell command to execute."`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Optional working directory path."`
}

// ShellResult 是命令执行的结果。
type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Shell 在白名单内执行命令。白名单按首个单词匹配，"*" 表示全部允许。
func Shell(allowed []string, timeout time.Duration) tools.Handler {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	log := logger.Named("shell")
	return tools.Func("execute_shell_command",
		"Execute an arbitrary shell command on the host operating system. Useful for reading environment states, compiling code, or managing processes.",
		func(ctx context.Context, args shellArgs, _ tools.Invocation) (any, error) {
			command := strings.TrimSpace(args.Command)
			if command == "" {
				return nil, errors.New("command 不能为空")
			}
			base := strings.Fields(command)[0]
			if !commandAllowed(allowed, base) {
				logger.Audit().Warn("拦截未授权的命令", slog.String("command", base))
				return ShellResult{
					Stderr:   fmt.Sprintf("SECURITY BLOCK: The command '%s' is not in the ALLOWED_SHELL_COMMANDS list. Add it to .env if required.", base),
					ExitCode: 403,
				}, nil
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			cmd := exec.CommandContext(runCtx, "sh", "-c", command)
			if args.Cwd != "" {
				cmd.Dir = args.Cwd
			}
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			log.Info("执行命令", slog.String("command", command), slog.String("cwd", args.Cwd))
			err := cmd.Run()
			result := ShellResult{
				Stdout: strings.TrimSpace(stdout.String()),
				Stderr: strings.TrimSpace(stderr.String()),
			}
			if err != nil {
				var exitErr *exec.ExitError
				switch {
				case errors.As(err, &exitErr):
					result.ExitCode = exitErr.ExitCode()
				default:
					result.ExitCode = 1
				}
				if runCtx.Err() == context.DeadlineExceeded {
					result.Stderr = strings.TrimSpace(result.Stderr + "\ncommand timed out after " + timeout.String())
				} else if result.Stderr == "" {
					result.Stderr = err.Error()
				}
			}
			return result, nil
		})
}

func commandAllowed(allowed []string, base string) bool {
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "*" || entry == base {
			return true
		}
	}
	return false
}

type canvasArgs struct {
	Content string `json:"content" jsonschema:"description=The Markdown or HTML content to render on the web UI."`
}

// Canvas 将 markdown 或 HTML 推送到 Live Canvas。
func Canvas(publisher push.Publisher) tools.Handler {
	return tools.Func("update_canvas",
		"Stream rich markdown, data tables, or raw HTML components directly to the user's Live Canvas web dashboard. Use this for highly visual presentations, code blocks, or data side-by-sides.",
		func(_ context.Context, args canvasArgs, _ tools.Invocation) (any, error) {
			publisher.Publish(push.Payload{Type: push.TypeMarkdown, Content: args.Content}, "")
			return "Live Canvas updated successfully.", nil
		})
}
