package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "gravity-claw/internal/errors"
)

type keywordEmbedder struct {
	fail bool
}

// Embed 以关键词出现与否构造二维向量。
func (k keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if k.fail {
		return nil, errors.New("embedding offline")
	}
	lower := strings.ToLower(text)
	var v [2]float32
	if strings.Contains(lower, "mortgage") {
		v[0] = 1
	}
	if strings.Contains(lower, "weather") {
		v[1] = 1
	}
	return v[:], nil
}

type brokenStore struct{ MemoryStore }

func (*brokenStore) Append(context.Context, Turn, []float32) error { return errors.New("disk full") }
func (*brokenStore) Recent(context.Context, string, int) ([]Turn, error) {
	return nil, errors.New("connection refused")
}

func TestRecentTurnsOrderedAndBounded(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	gw := NewGateway(NewMemoryStore(), WithClock(func() time.Time {
		tick++
		// 每两条记录共享一个时间戳，检验 Seq 决定同刻顺序。
		return base.Add(time.Duration(tick/2) * time.Second)
	}))
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		if err := gw.SaveTurn(ctx, "s1", RoleUser, string(rune('a'+i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	turns := gw.RecentTurns(ctx, "s1", 4)
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	want := "cdef"
	for i, turn := range turns {
		if turn.Content != string(want[i]) {
			t.Fatalf("turn %d: expected %q, got %q", i, string(want[i]), turn.Content)
		}
		if i > 0 && turn.CreatedAt.Before(turns[i-1].CreatedAt) {
			t.Fatalf("turns not chronological")
		}
	}
}

func TestSimilarTurnsScopedAndThresholded(t *testing.T) {
	gw := NewGateway(NewMemoryStore(), WithEmbedder(keywordEmbedder{}))
	ctx := context.Background()
	_ = gw.SaveTurn(ctx, "s1", RoleUser, "my mortgage rate is 6%")
	_ = gw.SaveTurn(ctx, "s1", RoleUser, "the weather is nice")
	_ = gw.SaveTurn(ctx, "s2", RoleUser, "mortgage broker called")

	hits := gw.SimilarTurns(ctx, "what about the mortgage?", 0.5, 15, "s1")
	if len(hits) != 1 || !strings.Contains(hits[0].Content, "6%") {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	if hits[0].Similarity < 0.99 {
		t.Fatalf("expected similarity near 1, got %f", hits[0].Similarity)
	}
	if all := gw.SimilarTurns(ctx, "mortgage", 0.5, 15, ""); len(all) != 2 {
		t.Fatalf("expected cross-session hits, got %d", len(all))
	}
	if limited := gw.SimilarTurns(ctx, "mortgage", 0.5, 1, ""); len(limited) != 1 {
		t.Fatalf("count not applied")
	}
}

func TestSimilarTurnsWithoutEmbedder(t *testing.T) {
	gw := NewGateway(NewMemoryStore())
	_ = gw.SaveTurn(context.Background(), "s1", RoleUser, "mortgage")
	if hits := gw.SimilarTurns(context.Background(), "mortgage", 0, 10, "s1"); len(hits) != 0 {
		t.Fatalf("expected no semantic recall without embedder")
	}
}

func TestEmbeddingFailureStillSaves(t *testing.T) {
	gw := NewGateway(NewMemoryStore(), WithEmbedder(keywordEmbedder{fail: true}))
	if err := gw.SaveTurn(context.Background(), "s1", RoleAssistant, "hello"); err != nil {
		t.Fatalf("save should succeed: %v", err)
	}
	if len(gw.RecentTurns(context.Background(), "s1", 10)) != 1 {
		t.Fatalf("turn not stored")
	}
}

func TestStoreFailuresDegrade(t *testing.T) {
	gw := NewGateway(&brokenStore{})
	err := gw.SaveTurn(context.Background(), "s1", RoleUser, "x")
	if !xerrors.IsCode(err, xerrors.CodePersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if turns := gw.RecentTurns(context.Background(), "s1", 5); turns != nil {
		t.Fatalf("read failure should degrade to empty, got %+v", turns)
	}
}

func TestClearSession(t *testing.T) {
	gw := NewGateway(NewMemoryStore())
	ctx := context.Background()
	if gw.ClearSession(ctx, "none") {
		t.Fatalf("clearing unknown session should report false")
	}
	_ = gw.SaveTurn(ctx, "s1", RoleUser, "x")
	if !gw.ClearSession(ctx, "s1") || len(gw.RecentTurns(ctx, "s1", 5)) != 0 {
		t.Fatalf("session not cleared")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if CosineSimilarity([]float32{1, 0}, []float32{1, 0}) < 0.999 {
		t.Fatalf("identical vectors should score 1")
	}
	if CosineSimilarity([]float32{1, 0}, []float32{0, 1}) != 0 {
		t.Fatalf("orthogonal vectors should score 0")
	}
	if CosineSimilarity([]float32{1}, []float32{1, 0}) != 0 {
		t.Fatalf("mismatched dimensions should score 0")
	}
}
