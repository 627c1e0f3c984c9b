package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"gravity-claw/deploy/migrations"
	"gravity-claw/internal/memory"
)

// Config 描述 PostgreSQL 连接参数。
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Store 使用 pgvector 的余弦距离运算符实现语义检索。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open 连接数据库并执行迁移。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("PostgreSQL DSN 不能为空")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}
	if err := migrations.Apply(ctx, db, migrations.Postgres); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New 基于已有连接创建存储。
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close 关闭连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append 写入一条记录，向量以 pgvector 文本字面量保存。
func (s *Store) Append(ctx context.Context, turn memory.Turn, embedding []float32) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	var vec sql.NullString
	if len(embedding) > 0 {
		vec = sql.NullString{String: VectorLiteral(embedding), Valid: true}
	}
	const stmt = `INSERT INTO conversation_turns (id, session_id, role, content, tool_call_id, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`
	if _, err := s.db.ExecContext(ctx, stmt,
		turn.ID, turn.SessionID, string(turn.Role), turn.Content, turn.ToolCallID, vec, turn.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("写入对话记录失败: %w", err)
	}
	return nil
}

// Recent 返回会话最近的 limit 条记录，按时间升序。
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, session_id, role, content, tool_call_id, created_at, 0::float8
FROM conversation_turns WHERE session_id = $1 ORDER BY seq DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询对话记录失败: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	memory.SortChronological(turns)
	return turns, nil
}

// Similar 按余弦相似度检索，相似度 = 1 - (embedding <=> query)。
func (s *Store) Similar(ctx context.Context, embedding []float32, threshold float64, count int, sessionID string) ([]memory.Turn, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if count <= 0 {
		count = 15
	}
	query := `SELECT seq, id, session_id, role, content, tool_call_id, created_at, 1 - (embedding <=> $1::vector) AS similarity
FROM conversation_turns
WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) >= $2 AND ($3::text = '' OR session_id = $3::text)
ORDER BY embedding <=> $1::vector
LIMIT $4`
	rows, err := s.db.QueryContext(ctx, query, VectorLiteral(embedding), threshold, sessionID, count)
	if err != nil {
		return nil, fmt.Errorf("语义检索失败: %w", err)
	}
	return scanTurns(rows)
}

// Clear 删除会话的全部记录。
func (s *Store) Clear(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return false, fmt.Errorf("清空会话失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return affected > 0, nil
}

func scanTurns(rows *sql.Rows) ([]memory.Turn, error) {
	defer rows.Close()
	var turns []memory.Turn
	for rows.Next() {
		var (
			turn      memory.Turn
			role      string
			createdAt int64
		)
		if err := rows.Scan(&turn.Seq, &turn.ID, &turn.SessionID, &role, &turn.Content, &turn.ToolCallID, &createdAt, &turn.Similarity); err != nil {
			return nil, fmt.Errorf("解析对话记录失败: %w", err)
		}
		turn.Role = memory.Role(role)
		turn.CreatedAt = time.UnixMilli(createdAt).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话记录失败: %w", err)
	}
	return turns, nil
}

// VectorLiteral 将向量编码为 pgvector 的 '[x,y,z]' 文本形式。
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 8)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ memory.Store = (*Store)(nil)
