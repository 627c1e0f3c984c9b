package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
	"gravity-claw/pkg/logger"
)

// Gateway 封装记忆后端与向量化器，读失败时降级为空结果，写失败返回 PERSISTENCE_FAILURE。
type Gateway struct {
	store    Store
	embedder llm.Embedder
	log      *slog.Logger
	now      func() time.Time
}

// Option 定义 Gateway 的可选配置。
type Option func(*Gateway)

// WithEmbedder 启用语义召回。
func WithEmbedder(embedder llm.Embedder) Option {
	return func(g *Gateway) {
		g.embedder = embedder
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway 创建记忆网关。
func NewGateway(store Store, opts ...Option) *Gateway {
	g := &Gateway{
		store: store,
		log:   logger.Named("memory"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SemanticEnabled 表示是否配置了向量化器。
func (g *Gateway) SemanticEnabled() bool {
	return g != nil && g.embedder != nil
}

// SaveTurn 追加一条记录。向量化失败时仍保存文本。
func (g *Gateway) SaveTurn(ctx context.Context, sessionID string, role Role, text string) error {
	if g == nil || g.store == nil {
		return xerrors.New(xerrors.CodePersistenceFailure, "未配置记忆存储")
	}
	turn := Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   text,
		CreatedAt: g.now(),
	}

	var embedding []float32
	if g.embedder != nil && strings.TrimSpace(text) != "" {
		vec, err := g.embedder.Embed(ctx, text)
		if err != nil {
			g.log.Warn("生成向量失败，仅保存文本", slog.String("session_id", sessionID), slog.Any("error", err))
		} else {
			embedding = vec
		}
	}

	if err := g.store.Append(ctx, turn, embedding); err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "写入对话记录失败",
			xerrors.WithMetadata("session_id", sessionID))
	}
	return nil
}

// RecentTurns 返回最近的记录，按时间升序且不超过 limit 条。
func (g *Gateway) RecentTurns(ctx context.Context, sessionID string, limit int) []Turn {
	if g == nil || g.store == nil {
		return nil
	}
	turns, err := g.store.Recent(ctx, sessionID, limit)
	if err != nil {
		g.log.Warn("读取历史记录失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	SortChronological(turns)
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}

// SimilarTurns 执行语义检索；未配置向量化器或后端不可用时返回空。
func (g *Gateway) SimilarTurns(ctx context.Context, query string, threshold float64, count int, sessionID string) []Turn {
	if !g.SemanticEnabled() || g.store == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		g.log.Warn("语义检索向量化失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	turns, err := g.store.Similar(ctx, vec, threshold, count, sessionID)
	if err != nil {
		g.log.Warn("语义检索失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	return turns
}

// ClearSession 删除会话的全部记录。
func (g *Gateway) ClearSession(ctx context.Context, sessionID string) bool {
	if g == nil || g.store == nil {
		return false
	}
	cleared, err := g.store.Clear(ctx, sessionID)
	if err != nil {
		g.log.Warn("清理会话失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return false
	}
	return cleared
}

// Close 关闭底层存储。
func (g *Gateway) Close() error {
	if g == nil || g.store == nil {
		return nil
	}
	return g.store.Close()
}
