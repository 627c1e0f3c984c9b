package pgvector

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"gravity-claw/internal/memory"
)

func TestVectorLiteral(t *testing.T) {
	if got := VectorLiteral([]float32{0.25, -1, 3}); got != "[0.25,-1,3]" {
		t.Fatalf("unexpected literal %q", got)
	}
	if got := VectorLiteral(nil); got != "[]" {
		t.Fatalf("unexpected empty literal %q", got)
	}
}

func TestSimilarUsesCosineOperator(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := New(db)

	rows := sqlmock.NewRows([]string{"seq", "id", "session_id", "role", "content", "tool_call_id", "created_at", "similarity"}).
		AddRow(7, "t-7", "s9", "assistant", "closing in May", "", int64(1700000000000), 0.82)
	mock.ExpectQuery(regexp.QuoteMeta("1 - (embedding <=> $1::vector) >= $2")).
		WithArgs("[1,0]", 0.5, "", 15).
		WillReturnRows(rows)

	hits, err := store.Similar(context.Background(), []float32{1, 0}, 0.5, 15, "")
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(hits) != 1 || hits[0].Similarity != 0.82 || hits[0].Role != memory.RoleAssistant {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendWithoutEmbedding(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := New(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_turns")).
		WithArgs("t-1", "s1", "user", "hi", "", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Append(context.Background(), memory.Turn{ID: "t-1", SessionID: "s1", Role: memory.RoleUser, Content: "hi"}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversation_turns WHERE session_id = $1")).
		WithArgs("s1").WillReturnResult(sqlmock.NewResult(0, 0))
	if cleared, err := store.Clear(context.Background(), "s1"); err != nil || cleared {
		t.Fatalf("clear: %v %v", cleared, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
