package agent

import (
	"strings"
	"sync"

	xerrors "gravity-claw/internal/errors"
)

// ThinkLevel 控制系统提示中的推理指令。
type ThinkLevel string

const (
	ThinkDefault ThinkLevel = "default"
	ThinkHigh    ThinkLevel = "high"
	ThinkLow     ThinkLevel = "low"
)

// ParseThinkLevel 校验并转换推理等级。
func ParseThinkLevel(raw string) (ThinkLevel, error) {
	switch level := ThinkLevel(strings.ToLower(strings.TrimSpace(raw))); level {
	case ThinkDefault, ThinkHigh, ThinkLow:
		return level, nil
	case "":
		return ThinkDefault, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的推理等级: "+raw)
	}
}

// RuntimeSnapshot 是某一时刻的运行参数。
type RuntimeSnapshot struct {
	Model      string     `json:"model"`
	ThinkLevel ThinkLevel `json:"thinkLevel"`
}

// RuntimeConfig 保存可在运行时调整的模型与推理等级，修改在下一次 Run 生效。
type RuntimeConfig struct {
	mu       sync.RWMutex
	snapshot RuntimeSnapshot
}

// NewRuntimeConfig 创建运行时配置。
func NewRuntimeConfig(model string, level ThinkLevel) *RuntimeConfig {
	if level == "" {
		level = ThinkDefault
	}
	return &RuntimeConfig{snapshot: RuntimeSnapshot{Model: model, ThinkLevel: level}}
}

// Snapshot 返回当前参数的副本。
func (r *RuntimeConfig) Snapshot() RuntimeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Model 返回当前模型。
func (r *RuntimeConfig) Model() string {
	return r.Snapshot().Model
}

// ThinkLevel 返回当前推理等级。
func (r *RuntimeConfig) ThinkLevel() ThinkLevel {
	return r.Snapshot().ThinkLevel
}

// SetModel 更新模型。
func (r *RuntimeConfig) SetModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "模型名称不能为空")
	}
	r.mu.Lock()
	r.snapshot.Model = model
	r.mu.Unlock()
	return nil
}

// SetThinkLevel 更新推理等级。
func (r *RuntimeConfig) SetThinkLevel(raw string) error {
	level, err := ParseThinkLevel(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot.ThinkLevel = level
	r.mu.Unlock()
	return nil
}
