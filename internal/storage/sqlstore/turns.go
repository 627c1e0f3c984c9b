package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gravity-claw/internal/memory"
)

// Append 写入一条对话记录，向量以 JSON 文本保存。
func (s *Store) Append(ctx context.Context, turn memory.Turn, embedding []float32) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	var encoded sql.NullString
	if len(embedding) > 0 {
		raw, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("序列化向量失败: %w", err)
		}
		encoded = sql.NullString{String: string(raw), Valid: true}
	}

	const stmt = `INSERT INTO conversation_turns (id, session_id, role, content, tool_call_id, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		turn.ID, turn.SessionID, string(turn.Role), turn.Content, turn.ToolCallID, encoded, turn.CreatedAt.UnixMilli(),
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
	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, session_id, role, content, tool_call_id, created_at
FROM conversation_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询对话记录失败: %w", err)
	}
	defer rows.Close()

	var turns []memory.Turn
	for rows.Next() {
		turn, err := scanTurn(rows, nil)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话记录失败: %w", err)
	}
	memory.SortChronological(turns)
	return turns, nil
}

// Similar 读取最近的带向量记录并在 Go 侧计算余弦相似度。
func (s *Store) Similar(ctx context.Context, embedding []float32, threshold float64, count int, sessionID string) ([]memory.Turn, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	query := `SELECT seq, id, session_id, role, content, tool_call_id, created_at, embedding
FROM conversation_turns WHERE embedding IS NOT NULL ORDER BY seq DESC LIMIT ?`
	args := []any{s.scanLimit}
	if sessionID != "" {
		query = `SELECT seq, id, session_id, role, content, tool_call_id, created_at, embedding
FROM conversation_turns WHERE embedding IS NOT NULL AND session_id = ? ORDER BY seq DESC LIMIT ?`
		args = []any{sessionID, s.scanLimit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询向量记录失败: %w", err)
	}
	defer rows.Close()

	var (
		candidates []memory.Turn
		vectors    [][]float32
	)
	for rows.Next() {
		var raw sql.NullString
		turn, err := scanTurn(rows, &raw)
		if err != nil {
			return nil, err
		}
		var vec []float32
		if !raw.Valid || json.Unmarshal([]byte(raw.String), &vec) != nil {
			continue
		}
		candidates = append(candidates, turn)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历向量记录失败: %w", err)
	}
	return memory.RankSimilar(candidates, vectors, embedding, threshold, count), nil
}

// Clear 删除会话的全部记录。
func (s *Store) Clear(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("清空会话失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("读取影响行数失败: %w", err)
	}
	return affected > 0, nil
}

func scanTurn(rows *sql.Rows, embedding *sql.NullString) (memory.Turn, error) {
	var (
		turn      memory.Turn
		role      string
		createdAt int64
	)
	dest := []any{&turn.Seq, &turn.ID, &turn.SessionID, &role, &turn.Content, &turn.ToolCallID, &createdAt}
	if embedding != nil {
		dest = append(dest, embedding)
	}
	if err := rows.Scan(dest...); err != nil {
		return memory.Turn{}, fmt.Errorf("解析对话记录失败: %w", err)
	}
	turn.Role = memory.Role(role)
	turn.CreatedAt = time.UnixMilli(createdAt).UTC()
	return turn, nil
}

var _ memory.Store = (*Store)(nil)
