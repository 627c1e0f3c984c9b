package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

type pathArgs struct {
	Path string `json:"path" jsonschema:"description=Absolute or relative path to the file or directory."`
}

type writeArgs struct {
	Path    string `json:"path" jsonschema:"description=Absolute or relative path to the file."`
	Content string `json:"content" jsonschema:"description=The raw text content to write into the file."`
}

// fileGuard 将路径限制在允许的根目录内。
type fileGuard struct {
	roots    []string
	allowAll bool
}

func newFileGuard(allowed []string) fileGuard {
	guard := fileGuard{}
	for _, root := range allowed {
		root = strings.TrimSpace(root)
		switch root {
		case "":
		case "*":
			guard.allowAll = true
		default:
			if abs, err := filepath.Abs(root); err == nil {
				guard.roots = append(guard.roots, filepath.Clean(abs))
			}
		}
	}
	return guard
}

func (g fileGuard) resolve(target string) (string, error) {
	full, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	full = filepath.Clean(full)
	if g.allowAll {
		return full, nil
	}
	for _, root := range g.roots {
		if full == root || strings.HasPrefix(full, root+string(filepath.Separator)) {
			return full, nil
		}
	}
	logger.Audit().Warn("拦截未授权的文件访问", "path", full)
	return "", fmt.Errorf("SECURITY BLOCK: The path '%s' is outside the boundaries defined in ALLOWED_FILE_PATHS. Add the directory to .env if required.", full)
}

// Files 返回读写文件与列目录的工具。
func Files(allowed []string) []tools.Handler {
	guard := newFileGuard(allowed)
	return []tools.Handler{
		tools.Func("read_file", "Read the full contents of a file on the local file system.",
			func(_ context.Context, args pathArgs, _ tools.Invocation) (any, error) {
				full, err := guard.resolve(args.Path)
				if err != nil {
					return nil, fmt.Errorf("Failed to read file: %w", err)
				}
				content, err := os.ReadFile(full)
				if err != nil {
					return nil, fmt.Errorf("Failed to read file: %w", err)
				}
				return map[string]string{"content": string(content)}, nil
			}),
		tools.Func("write_file", "Write string content to a file on the local file system. If the file or parent directories do not exist, they will be created.",
			func(_ context.Context, args writeArgs, _ tools.Invocation) (any, error) {
				full, err := guard.resolve(args.Path)
				if err != nil {
					return nil, fmt.Errorf("Failed to write file: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
					return nil, fmt.Errorf("Failed to write file: %w", err)
				}
				if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
					return nil, fmt.Errorf("Failed to write file: %w", err)
				}
				return map[string]bool{"success": true}, nil
			}),
		tools.Func("list_directory", "List the contents (files and folders) of a directory on the local file system.",
			func(_ context.Context, args pathArgs, _ tools.Invocation) (any, error) {
				full, err := guard.resolve(args.Path)
				if err != nil {
					return nil, fmt.Errorf("Failed to list directory: %w", err)
				}
				entries, err := os.ReadDir(full)
				if err != nil {
					return nil, fmt.Errorf("Failed to list directory: %w", err)
				}
				files := make([]string, 0, len(entries))
				for _, entry := range entries {
					files = append(files, entry.Name())
				}
				return map[string][]string{"files": files}, nil
			}),
	}
}
