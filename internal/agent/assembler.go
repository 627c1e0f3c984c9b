package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"gravity-claw/internal/llm"
	"gravity-claw/internal/memory"
)

const (
	// Persona 是默认的系统人设。
	Persona = "You are Gravity Claw, a personal AI agent. You have access to tools that you can use to answer questions or use your memory."

	highThinkDirective = "\nCRITICAL: Think deeply and step-by-step before answering. Exhaustively analyze the user's intent."
	lowThinkDirective  = "\nCRITICAL: Be extremely concise and fast. Do not use tools unless absolutely necessary."

	recallHeader     = "\n\n=== RELEVANT PAST CONTEXT ===\n"
	recallExcerpt    = 280
	mediaPlaceholder = "Look at the attached media."
)

// Media 是随用户消息上传的附件。
type Media struct {
	MimeType string
	Data     []byte
}

// Memory 是上下文组装与对话循环依赖的记忆接口，memory.Gateway 实现了它。
type Memory interface {
	SaveTurn(ctx context.Context, sessionID string, role memory.Role, text string) error
	RecentTurns(ctx context.Context, sessionID string, limit int) []memory.Turn
	SimilarTurns(ctx context.Context, query string, threshold float64, count int, sessionID string) []memory.Turn
	ClearSession(ctx context.Context, sessionID string) bool
}

// SkillSource 提供注入系统提示的技能块。
type SkillSource interface {
	Block() string
}

// AssemblerConfig 控制召回数量与阈值。
type AssemblerConfig struct {
	HistoryLimit    int
	RecallThreshold float64
	RecallCount     int
}

// Assembler 负责构造发送给模型的有序消息。
type Assembler struct {
	memory Memory
	skills SkillSource
	cfg    AssemblerConfig
}

// NewAssembler 创建上下文组装器，skills 可以为空。
func NewAssembler(mem Memory, skills SkillSource, cfg AssemblerConfig) *Assembler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 15
	}
	if cfg.RecallCount <= 0 {
		cfg.RecallCount = 15
	}
	if cfg.RecallThreshold <= 0 {
		cfg.RecallThreshold = 0.5
	}
	return &Assembler{memory: mem, skills: skills, cfg: cfg}
}

// BuildInput 是一次组装的输入。
type BuildInput struct {
	SessionID  string
	Text       string
	Media      []Media
	ThinkLevel ThinkLevel
	// Persona 非空时替换默认人设，用于子代理。
	Persona string
	// PersistedText 是本轮已写入记忆的用户文本，用于去重。
	PersistedText string
}

// Build 依次生成系统消息、历史消息与当前用户消息。
func (a *Assembler) Build(ctx context.Context, in BuildInput) []llm.Message {
	system := a.systemPrompt(ctx, in)
	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	messages = append(messages, a.history(ctx, in)...)
	messages = append(messages, userMessage(in.Text, in.Media))
	return messages
}

func (a *Assembler) systemPrompt(ctx context.Context, in BuildInput) string {
	var b strings.Builder
	if in.Persona != "" {
		b.WriteString(in.Persona)
	} else {
		b.WriteString(Persona)
	}
	switch in.ThinkLevel {
	case ThinkHigh:
		b.WriteString(highThinkDirective)
	case ThinkLow:
		b.WriteString(lowThinkDirective)
	}
	if a.skills != nil {
		b.WriteString(a.skills.Block())
	}
	b.WriteString(a.recallBlock(ctx, in))
	return b.String()
}

func (a *Assembler) recallBlock(ctx context.Context, in BuildInput) string {
	if a.memory == nil || strings.TrimSpace(in.Text) == "" {
		return ""
	}
	hits := a.memory.SimilarTurns(ctx, in.Text, a.cfg.RecallThreshold, a.cfg.RecallCount, in.SessionID)
	var lines []string
	for _, hit := range hits {
		// 刚写入的本轮消息与自身相似度最高，需要排除。
		if in.PersistedText != "" && hit.Role == memory.RoleUser && hit.Content == in.PersistedText {
			continue
		}
		lines = append(lines, fmt.Sprintf("> [session %s] %s", hit.SessionID, memory.Excerpt(hit.Content, recallExcerpt)))
	}
	if len(lines) == 0 {
		return ""
	}
	return recallHeader + strings.Join(lines, "\n") + "\n"
}

func (a *Assembler) history(ctx context.Context, in BuildInput) []llm.Message {
	if a.memory == nil {
		return nil
	}
	turns := a.memory.RecentTurns(ctx, in.SessionID, a.cfg.HistoryLimit+1)
	if n := len(turns); n > 0 && in.PersistedText != "" {
		last := turns[n-1]
		if last.Role == memory.RoleUser && last.Content == in.PersistedText {
			turns = turns[:n-1]
		}
	}
	if len(turns) > a.cfg.HistoryLimit {
		turns = turns[len(turns)-a.cfg.HistoryLimit:]
	}

	out := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		role := llm.RoleAssistant
		switch turn.Role {
		case memory.RoleUser:
			role = llm.RoleUser
		case memory.RoleSystem:
			role = llm.RoleSystem
		case memory.RoleTool:
			// 工具消息只存在于单轮循环内，历史中出现时无法配对，跳过。
			continue
		}
		out = append(out, llm.Message{Role: role, Content: turn.Content})
	}
	return out
}

// userMessage 构造当前用户消息；带附件时使用多段内容并以 data URL 内联图片。
func userMessage(text string, media []Media) llm.Message {
	if len(media) == 0 {
		return llm.Message{Role: llm.RoleUser, Content: text}
	}
	if strings.TrimSpace(text) == "" {
		text = mediaPlaceholder
	}
	parts := []llm.Part{{Type: llm.PartText, Text: text}}
	for _, item := range media {
		mime := strings.TrimSpace(item.MimeType)
		if !strings.HasPrefix(mime, "image/") {
			parts = append(parts, llm.Part{Type: llm.PartText, Text: fmt.Sprintf("[Attachment: %s, %d bytes]", mime, len(item.Data))})
			continue
		}
		parts = append(parts, llm.Part{
			Type:     llm.PartImageURL,
			ImageURL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(item.Data),
		})
	}
	return llm.Message{Role: llm.RoleUser, Parts: parts}
}

// inboundLogText 是写入记忆的用户文本，附件只记录类型。
func inboundLogText(text string, media []Media) string {
	if len(media) == 0 {
		return text
	}
	mimes := make([]string, 0, len(media))
	for _, item := range media {
		mimes = append(mimes, item.MimeType)
	}
	prefix := "[Attachments: " + strings.Join(mimes, ", ") + "]"
	if strings.TrimSpace(text) == "" {
		return prefix
	}
	return prefix + " " + text
}
