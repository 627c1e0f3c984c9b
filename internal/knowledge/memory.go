package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDocuments 是进程内的文档存储。
type MemoryDocuments struct {
	mu     sync.RWMutex
	nextID int64
	docs   []Document
	now    func() time.Time
}

// NewMemoryDocuments 创建进程内文档存储。
func NewMemoryDocuments() *MemoryDocuments {
	return &MemoryDocuments{now: time.Now}
}

// SaveDocument 保存一段文档并返回其 ID。
func (m *MemoryDocuments) SaveDocument(_ context.Context, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.docs = append(m.docs, Document{ID: m.nextID, Content: content, CreatedAt: m.now()})
	return m.nextID, nil
}

// SearchDocuments 按关键词命中数排序，相同得分时较新的在前。
func (m *MemoryDocuments) SearchDocuments(_ context.Context, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 5
	}
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	hits := make([]Document, 0)
	for _, doc := range m.docs {
		if score := ScoreDocument(doc.Content, keywords); score > 0 {
			doc.Score = score
			hits = append(hits, doc)
		}
	}
	m.mu.RUnlock()

	RankDocuments(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// RankDocuments 按得分降序、ID 降序排序。
func RankDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID > docs[j].ID
	})
}

// MemoryGraph 是进程内的三元组存储，重复的三元组只保留一份。
type MemoryGraph struct {
	mu      sync.RWMutex
	triples []Triple
	seen    map[string]struct{}
}

// NewMemoryGraph 创建进程内图谱存储。
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{seen: make(map[string]struct{})}
}

// AddTriples 写入三元组，返回新增数量。
func (g *MemoryGraph) AddTriples(_ context.Context, triples []Triple) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	added := 0
	for _, triple := range triples {
		if !triple.Valid() {
			continue
		}
		key := strings.ToLower(triple.String())
		if _, ok := g.seen[key]; ok {
			continue
		}
		g.seen[key] = struct{}{}
		g.triples = append(g.triples, triple)
		added++
	}
	return added, nil
}

// QueryEntity 返回主语或宾语与实体匹配的关系，不区分大小写。
func (g *MemoryGraph) QueryEntity(_ context.Context, entity string) ([]Triple, error) {
	needle := strings.ToLower(strings.TrimSpace(entity))
	if needle == "" {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Triple
	for _, triple := range g.triples {
		if strings.Contains(strings.ToLower(triple.Subject), needle) || strings.Contains(strings.ToLower(triple.Object), needle) {
			out = append(out, triple)
		}
	}
	return out, nil
}

var (
	_ DocumentStore = (*MemoryDocuments)(nil)
	_ GraphStore    = (*MemoryGraph)(nil)
)
