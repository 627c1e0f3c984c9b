package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

// Role 与 llm.Role 取值一致，单独声明以避免存储层依赖模型层。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Turn 是一条已持久化的对话记录，写入后不可修改。
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	// Seq 在同一时间戳下保持插入顺序。
	Seq        int64   `json:"seq"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Store 定义长期记忆后端需要实现的能力。
type Store interface {
	Append(ctx context.Context, turn Turn, embedding []float32) error
	// Recent 返回会话最近的 limit 条记录，按时间升序。
	Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	// Similar 返回相似度不低于 threshold 的记录，按相似度降序，最多 count 条。
	// sessionID 为空时在全部会话中检索。
	Similar(ctx context.Context, embedding []float32, threshold float64, count int, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) (bool, error)
	Close() error
}

// CosineSimilarity 计算两个向量的余弦相似度，维度不一致或零向量时返回 0。
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// RankSimilar 对候选记录打分并截断，SQL 后端在 Go 侧计算相似度时复用。
func RankSimilar(candidates []Turn, vectors [][]float32, query []float32, threshold float64, count int) []Turn {
	scored := make([]Turn, 0, len(candidates))
	for i, turn := range candidates {
		if i >= len(vectors) {
			break
		}
		score := CosineSimilarity(query, vectors[i])
		if score < threshold {
			continue
		}
		turn.Similarity = score
		scored = append(scored, turn)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if count > 0 && len(scored) > count {
		scored = scored[:count]
	}
	return scored
}

// SortChronological 按创建时间升序排序，时间相同按 Seq。
func SortChronological(turns []Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		if !turns[i].CreatedAt.Equal(turns[j].CreatedAt) {
			return turns[i].CreatedAt.Before(turns[j].CreatedAt)
		}
		return turns[i].Seq < turns[j].Seq
	})
}

// Excerpt 截断记录内容，用于语义召回块。
func Excerpt(content string, limit int) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if limit <= 0 || len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
