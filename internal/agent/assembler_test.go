package agent

import (
	"context"
	"strings"
	"testing"

	"gravity-claw/internal/llm"
	"gravity-claw/internal/memory"
)

type staticSkills string

func (s staticSkills) Block() string { return string(s) }

type recallMemory struct {
	recent []memory.Turn
	hits   []memory.Turn
}

func (r *recallMemory) SaveTurn(context.Context, string, memory.Role, string) error { return nil }
func (r *recallMemory) RecentTurns(context.Context, string, int) []memory.Turn    { return r.recent }
func (r *recallMemory) SimilarTurns(context.Context, string, float64, int, string) []memory.Turn {
	return r.hits
}
func (r *recallMemory) ClearSession(context.Context, string) bool { return false }

func TestBuildOrdersSystemHistoryAndUser(t *testing.T) {
	mem := &recallMemory{
		recent: []memory.Turn{
			{Role: memory.RoleUser, Content: "earlier question"},
			{Role: memory.RoleAssistant, Content: "earlier answer"},
			{Role: memory.RoleUser, Content: "new question"},
		},
		hits: []memory.Turn{
			{SessionID: "s1", Role: memory.RoleUser, Content: "new question"},
			{SessionID: "old", Role: memory.RoleAssistant, Content: "the mortgage closes in May"},
		},
	}
	asm := NewAssembler(mem, staticSkills("\n\n=== LOADED CAPABILITIES (SKILLS) ===\n"), AssemblerConfig{})

	msgs := asm.Build(context.Background(), BuildInput{
		SessionID:     "s1",
		Text:          "new question",
		ThinkLevel:    ThinkHigh,
		PersistedText: "new question",
	})

	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + user, got %d", len(msgs))
	}
	system := msgs[0].Content
	if !strings.HasPrefix(system, Persona+highThinkDirective+"\n\n=== LOADED CAPABILITIES") {
		t.Fatalf("unexpected system prefix: %q", system)
	}
	if !strings.Contains(system, recallHeader+"> [session old] the mortgage closes in May\n") {
		t.Fatalf("recall block missing: %q", system)
	}
	if strings.Contains(system, "[session s1]") {
		t.Fatalf("current turn must not be recalled")
	}
	if msgs[1].Content != "earlier question" || msgs[2].Role != llm.RoleAssistant {
		t.Fatalf("history not chronological: %+v", msgs[1:3])
	}
	if msgs[3].Role != llm.RoleUser || msgs[3].Content != "new question" {
		t.Fatalf("unexpected user turn: %+v", msgs[3])
	}
}

func TestBuildWithoutRecallHits(t *testing.T) {
	asm := NewAssembler(&recallMemory{}, nil, AssemblerConfig{})
	msgs := asm.Build(context.Background(), BuildInput{SessionID: "s1", Text: "hi", ThinkLevel: ThinkLow})
	if msgs[0].Content != Persona+lowThinkDirective {
		t.Fatalf("unexpected system prompt %q", msgs[0].Content)
	}
}

func TestBuildInlinesMedia(t *testing.T) {
	asm := NewAssembler(nil, nil, AssemblerConfig{})
	msgs := asm.Build(context.Background(), BuildInput{
		SessionID: "s1",
		Media:     []Media{{MimeType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}, {MimeType: "audio/ogg", Data: []byte{1}}},
	})
	user := msgs[len(msgs)-1]
	if len(user.Parts) != 3 {
		t.Fatalf("expected text, image and attachment parts, got %+v", user.Parts)
	}
	if user.Parts[0].Text != "Look at the attached media." {
		t.Fatalf("placeholder missing: %q", user.Parts[0].Text)
	}
	if !strings.HasPrefix(user.Parts[1].ImageURL, "data:image/png;base64,") {
		t.Fatalf("image should be inlined as data URL: %q", user.Parts[1].ImageURL)
	}
}

func TestInboundLogText(t *testing.T) {
	got := inboundLogText("caption", []Media{{MimeType: "image/jpeg"}, {MimeType: "image/png"}})
	if got != "[Attachments: image/jpeg, image/png] caption" {
		t.Fatalf("unexpected log text %q", got)
	}
}

func TestRuntimeConfig(t *testing.T) {
	rt := NewRuntimeConfig("m1", "")
	if err := rt.SetThinkLevel("HIGH"); err != nil || rt.ThinkLevel() != ThinkHigh {
		t.Fatalf("set think level: %v %s", err, rt.ThinkLevel())
	}
	if err := rt.SetThinkLevel("turbo"); err == nil {
		t.Fatalf("expected invalid think level error")
	}
	if err := rt.SetModel(" "); err == nil {
		t.Fatalf("expected empty model error")
	}
	_ = rt.SetModel("m2")
	if snap := rt.Snapshot(); snap.Model != "m2" || snap.ThinkLevel != ThinkHigh {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
