package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gravity-claw/deploy/migrations"
	"gravity-claw/internal/knowledge"
)

// SaveDocument 保存一段文档。
func (s *Store) SaveDocument(ctx context.Context, content string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO documents (content, created_at) VALUES (?, ?)`, content, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("写入文档失败: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("读取文档 ID 失败: %w", err)
	}
	return id, nil
}

// SearchDocuments 以 LIKE 预筛选后按关键词命中数排序。
func (s *Store) SearchDocuments(ctx context.Context, query string, limit int) ([]knowledge.Document, error) {
	if limit <= 0 {
		limit = 5
	}
	keywords := knowledge.Keywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(keywords))
	args := make([]any, 0, len(keywords)+1)
	for _, keyword := range keywords {
		clauses = append(clauses, "LOWER(content) LIKE ?")
		args = append(args, "%"+keyword+"%")
	}
	args = append(args, s.scanLimit)
	stmt := fmt.Sprintf(`SELECT id, content, created_at FROM documents WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " OR "))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	defer rows.Close()

	var docs []knowledge.Document
	for rows.Next() {
		var (
			doc       knowledge.Document
			createdAt int64
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("解析文档失败: %w", err)
		}
		doc.CreatedAt = time.UnixMilli(createdAt).UTC()
		doc.Score = knowledge.ScoreDocument(doc.Content, keywords)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历文档失败: %w", err)
	}
	knowledge.RankDocuments(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// AddTriples 写入三元组，已存在的三元组被忽略。
func (s *Store) AddTriples(ctx context.Context, triples []knowledge.Triple) (int, error) {
	stmt := `INSERT IGNORE INTO graph_triples (subject, predicate, object, created_at) VALUES (?, ?, ?, ?)`
	if s.dialect == migrations.SQLite {
		stmt = `INSERT OR IGNORE INTO graph_triples (subject, predicate, object, created_at) VALUES (?, ?, ?, ?)`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	added := 0
	now := s.now().UnixMilli()
	for _, triple := range triples {
		if !triple.Valid() {
			continue
		}
		result, err := tx.ExecContext(ctx, stmt,
			strings.TrimSpace(triple.Subject), strings.TrimSpace(triple.Predicate), strings.TrimSpace(triple.Object), now)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("写入三元组失败: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("提交三元组失败: %w", err)
	}
	return added, nil
}

// QueryEntity 返回主语或宾语包含实体名的三元组，不区分大小写。
func (s *Store) QueryEntity(ctx context.Context, entity string) ([]knowledge.Triple, error) {
	needle := strings.ToLower(strings.TrimSpace(entity))
	if needle == "" {
		return nil, nil
	}
	pattern := "%" + needle + "%"
	rows, err := s.db.QueryContext(ctx, `SELECT subject, predicate, object FROM graph_triples
WHERE LOWER(subject) LIKE ? OR LOWER(object) LIKE ? ORDER BY id ASC`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("查询三元组失败: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Triple
	for rows.Next() {
		var triple knowledge.Triple
		if err := rows.Scan(&triple.Subject, &triple.Predicate, &triple.Object); err != nil {
			return nil, fmt.Errorf("解析三元组失败: %w", err)
		}
		out = append(out, triple)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历三元组失败: %w", err)
	}
	return out, nil
}

var (
	_ knowledge.DocumentStore = (*Store)(nil)
	_ knowledge.GraphStore    = (*Store)(nil)
)
