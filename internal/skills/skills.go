package skills

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"gravity-claw/pkg/logger"
)

const (
	frontMatterFence   = "---"
	defaultDescription = "No description provided."

	blockHeader = "\n\n=== LOADED CAPABILITIES (SKILLS) ===\nYou have been injected with the following custom skills. Follow their instructions strictly when interacting with the user or their system.\n\n"
	blockFooter = "===================================\n"
)

// Skill 是从 markdown 文件加载的一条能力说明。
type Skill struct {
	Name         string `yaml:"name" json:"name"`
	Description  string `yaml:"description" json:"description"`
	Instructions string `yaml:"-" json:"instructions"`
	Path         string `yaml:"-" json:"path"`
}

// Loader 负责从目录加载技能并在文件变化时刷新。
type Loader struct {
	dir      string
	mu       sync.RWMutex
	skills   []Skill
	debounce time.Duration
	log      *slog.Logger
}

// NewLoader 创建技能加载器，dir 为空表示不加载任何技能。
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, debounce: 200 * time.Millisecond, log: logger.Named("skills")}
}

// Dir 返回技能目录。
func (l *Loader) Dir() string { return l.dir }

// Load 重新扫描目录，目录不存在时清空技能列表。
func (l *Loader) Load() error {
	skills, err := LoadDir(l.dir)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()
	l.log.Info("技能已加载", slog.String("dir", l.dir), slog.Int("count", len(skills)))
	return nil
}

// Skills 返回当前技能的副本。
func (l *Loader) Skills() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// Find 按名称查找技能，不区分大小写。
func (l *Loader) Find(name string) (Skill, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, skill := range l.skills {
		if strings.ToLower(skill.Name) == needle {
			return skill, true
		}
	}
	return Skill{}, false
}

// Block 渲染注入系统提示的技能块，没有技能时返回空串。
func (l *Loader) Block() string {
	return RenderBlock(l.Skills())
}

// RenderBlock 按固定格式拼接技能说明。
func RenderBlock(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(blockHeader)
	for _, skill := range skills {
		fmt.Fprintf(&b, "## Skill: %s\n", skill.Name)
		fmt.Fprintf(&b, "**Description**: %s\n", skill.Description)
		fmt.Fprintf(&b, "**Instructions**:\n%s\n\n", skill.Instructions)
	}
	b.WriteString(blockFooter)
	return b.String()
}

// Watch 监听目录变化并重新加载，直到 ctx 结束。
func (l *Loader) Watch(ctx context.Context) error {
	if strings.TrimSpace(l.dir) == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("监听技能目录失败: %w", err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(l.debounce, func() {
					if err := l.Load(); err != nil {
						l.log.Warn("重新加载技能失败", slog.Any("error", err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("技能目录监听错误", slog.Any("error", err))
			}
		}
	}()
	return nil
}

// LoadDir 读取目录下的全部 .md 文件，按文件名排序。
func LoadDir(dir string) ([]Skill, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取技能目录失败: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	skills := make([]Skill, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取技能文件 %s 失败: %w", name, err)
		}
		skill, err := Parse(data, strings.TrimSuffix(name, ".md"))
		if err != nil {
			return nil, fmt.Errorf("解析技能文件 %s 失败: %w", name, err)
		}
		skill.Path = path
		skills = append(skills, skill)
	}
	return skills, nil
}

// Parse 解析可选的 YAML 头信息与正文。缺少 name 时使用 fallbackName。
func Parse(data []byte, fallbackName string) (Skill, error) {
	front, body, err := splitFrontMatter(data)
	if err != nil {
		return Skill{}, err
	}
	var skill Skill
	if len(front) > 0 {
		if err := yaml.Unmarshal(front, &skill); err != nil {
			return Skill{}, fmt.Errorf("解析头信息失败: %w", err)
		}
	}
	if strings.TrimSpace(skill.Name) == "" {
		skill.Name = fallbackName
	}
	if strings.TrimSpace(skill.Description) == "" {
		skill.Description = defaultDescription
	}
	skill.Instructions = strings.TrimSpace(string(body))
	return skill, nil
}

func splitFrontMatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, nil, scanner.Err()
	}
	if strings.TrimSpace(scanner.Text()) != frontMatterFence {
		return nil, data, nil
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterFence {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, errors.New("头信息缺少结束分隔符")
	}
	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}
