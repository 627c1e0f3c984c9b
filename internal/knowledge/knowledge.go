package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Document 是保存到长期知识库中的一段文本。
type Document struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Score     int       `json:"score,omitempty"`
}

// Triple 是知识图谱中的一条 (subject, predicate, object) 关系。
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// String 以 "(s) -[p]-> (o)" 的形式输出关系。
func (t Triple) String() string {
	return fmt.Sprintf("(%s) -[%s]-> (%s)", t.Subject, t.Predicate, t.Object)
}

// Valid 判断三元组是否完整。
func (t Triple) Valid() bool {
	return strings.TrimSpace(t.Subject) != "" && strings.TrimSpace(t.Predicate) != "" && strings.TrimSpace(t.Object) != ""
}

// DocumentStore 定义文档记忆的读写接口。
type DocumentStore interface {
	SaveDocument(ctx context.Context, content string) (int64, error)
	SearchDocuments(ctx context.Context, query string, limit int) ([]Document, error)
}

// GraphStore 定义知识图谱的读写接口。
type GraphStore interface {
	AddTriples(ctx context.Context, triples []Triple) (int, error)
	QueryEntity(ctx context.Context, entity string) ([]Triple, error)
}

// LoadSeedDocuments 从 JSON 文件加载初始文档，文件内容为字符串数组。
func LoadSeedDocuments(ctx context.Context, store DocumentStore, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return 0, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []string
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return 0, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	saved := 0
	for _, entry := range entries {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		if _, err := store.SaveDocument(ctx, entry); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// Keywords 将查询拆分为小写关键词，忽略过短的词。
func Keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	out := fields[:0]
	for _, field := range fields {
		if len([]rune(field)) >= 2 {
			out = append(out, field)
		}
	}
	return out
}

// ScoreDocument 统计文档命中的关键词数量。
func ScoreDocument(content string, keywords []string) int {
	normalized := strings.ToLower(content)
	score := 0
	for _, keyword := range keywords {
		if strings.Contains(normalized, keyword) {
			score++
		}
	}
	return score
}
