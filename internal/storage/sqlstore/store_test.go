package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"gravity-claw/deploy/migrations"
	"gravity-claw/internal/knowledge"
	"gravity-claw/internal/memory"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "gravity.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTurnsRoundTrip(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, content := range []string{"one", "two", "three"} {
		turn := memory.Turn{SessionID: "s1", Role: memory.RoleUser, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		var vec []float32
		if content != "two" {
			vec = []float32{1, float32(i)}
		}
		if err := store.Append(ctx, turn, vec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = store.Append(ctx, memory.Turn{SessionID: "s2", Role: memory.RoleAssistant, Content: "other"}, []float32{1, 0})

	recent, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "two" || recent[1].Content != "three" {
		t.Fatalf("expected last two turns oldest first, got %+v", recent)
	}

	hits, err := store.Similar(ctx, []float32{1, 0}, 0.9, 5, "")
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(hits) != 2 || hits[0].Similarity < 0.99 {
		t.Fatalf("expected exact matches from both sessions, got %+v", hits)
	}
	scoped, _ := store.Similar(ctx, []float32{1, 0}, 0.9, 5, "s1")
	if len(scoped) != 1 || scoped[0].Content != "one" {
		t.Fatalf("unexpected scoped hits %+v", scoped)
	}

	cleared, err := store.Clear(ctx, "s1")
	if err != nil || !cleared {
		t.Fatalf("clear: %v %v", cleared, err)
	}
	if again, _ := store.Clear(ctx, "s1"); again {
		t.Fatalf("second clear should report nothing removed")
	}
}

func TestSQLiteKnowledge(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()

	_, _ = store.SaveDocument(ctx, "Seller wants to close before June")
	_, _ = store.SaveDocument(ctx, "Buyer needs a June close and a pool")
	docs, err := store.SearchDocuments(ctx, "june pool", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(docs) != 2 || docs[0].Score != 2 {
		t.Fatalf("unexpected ranking %+v", docs)
	}

	added, err := store.AddTriples(ctx, []knowledge.Triple{
		{Subject: "Glenn", Predicate: "represents", Object: "Seller"},
		{Subject: "glenn", Predicate: "REPRESENTS", Object: "seller"},
	})
	if err != nil || added != 1 {
		t.Fatalf("expected case-insensitive dedupe, added=%d err=%v", added, err)
	}
	triples, _ := store.QueryEntity(ctx, "SELLER")
	if len(triples) != 1 || triples[0].String() != "(Glenn) -[represents]-> (Seller)" {
		t.Fatalf("unexpected triples %+v", triples)
	}
}

func TestMySQLAppendAndRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := New(db, migrations.MySQL, 0)
	ctx := context.Background()
	created := time.UnixMilli(1700000000000).UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_turns")).
		WithArgs("t-1", "s1", "user", "hello", "", `[0.5,1]`, created.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Append(ctx, memory.Turn{ID: "t-1", SessionID: "s1", Role: memory.RoleUser, Content: "hello", CreatedAt: created}, []float32{0.5, 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows := sqlmock.NewRows([]string{"seq", "id", "session_id", "role", "content", "tool_call_id", "created_at"}).
		AddRow(2, "t-2", "s1", "assistant", "hi", "", created.UnixMilli()+1).
		AddRow(1, "t-1", "s1", "user", "hello", "", created.UnixMilli())
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?")).
		WithArgs("s1", 10).WillReturnRows(rows)

	turns, err := store.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 || turns[0].ID != "t-1" || turns[1].Role != memory.RoleAssistant {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLAddTriplesUsesInsertIgnore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := New(db, migrations.MySQL, 0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO graph_triples")).
		WithArgs("A", "knows", "B", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	added, err := store.AddTriples(context.Background(), []knowledge.Triple{{Subject: " A ", Predicate: "knows", Object: "B"}, {Subject: "bad"}})
	if err != nil || added != 1 {
		t.Fatalf("add triples: %d %v", added, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "mysql"}); err == nil {
		t.Fatalf("expected empty DSN error")
	}
}
