package agent

import (
	"context"
	"log/slog"
	"strings"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
	"gravity-claw/internal/memory"
)

const (
	compactWindow = 50

	CompactTooSmallMessage = "Context is already small, nothing to compact."
	CompactFailedMessage   = "Failed to compact context due to an API error."
	CompactDoneMessage     = "🧠 *Context Compacted:*\nYour conversation history has been successfully compressed into a dense summary, freeing up working memory."

	compactInstruction = "CRITICAL SYSTEM INSTRUCTION: Summarize the entire conversation above into a concise, dense paragraph of core facts, context, and the current state of tasks. Exclude pleasantries and verbosity. This summary will replace the actual conversation history in the database, so ensure absolutely nothing critical or factual is lost."
	compactPrefix      = "[COMPACTED CONTEXT] "
)

// Compact 将会话最近的记录压缩为一条摘要。
func (l *Loop) Compact(ctx context.Context, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if l.memory == nil {
		return "", xerrors.New(xerrors.CodeUnavailable, "未配置记忆存储")
	}

	unlock := l.sessions.Lock(sessionID)
	defer unlock()
	log := l.log.With(slog.String("session_id", sessionID))

	turns := l.memory.RecentTurns(ctx, sessionID, compactWindow)
	if len(turns) < 2 {
		return CompactTooSmallMessage, nil
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	for _, turn := range turns {
		role := llm.RoleAssistant
		if turn.Role == memory.RoleUser {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: compactInstruction})

	resp, err := l.complete(ctx, llm.Request{Model: l.runtime.Model(), Messages: messages})
	if err != nil {
		log.Error("压缩上下文失败", slog.Any("error", err))
		return CompactFailedMessage, nil
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		log.Warn("模型返回空摘要，保留原有会话")
		return CompactFailedMessage, nil
	}

	l.memory.ClearSession(ctx, sessionID)
	if err := l.memory.SaveTurn(ctx, sessionID, memory.RoleAssistant, compactPrefix+summary); err != nil {
		log.Warn("保存压缩摘要失败", slog.Any("error", err))
	}
	log.Info("上下文已压缩", slog.Int("turns", len(turns)))
	return CompactDoneMessage, nil
}

// Reset 清空会话的长期记忆。
func (l *Loop) Reset(ctx context.Context, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if l.memory == nil {
		return false, xerrors.New(xerrors.CodeUnavailable, "未配置记忆存储")
	}
	unlock := l.sessions.Lock(sessionID)
	defer unlock()
	return l.memory.ClearSession(ctx, sessionID), nil
}
