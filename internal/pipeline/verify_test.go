package pipeline

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func sampleComps() []CompEntry {
	return []CompEntry{
		{Address: "124 Elm St", Price: 807500, Sqft: 2200, LotAcres: 0.5},
		{Address: "55 Pine Ct", Price: 867000, Sqft: 2600, LotAcres: 1.8},
	}
}

func TestExtractNumbers(t *testing.T) {
	got := ExtractNumbers("Target $1,250,000 with 2.5 acres, 24 hours and 1234567 sqft.")
	want := []float64{1250000, 2.5, 24, 1234567}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFactLockVerifiesTemplateDrafts(t *testing.T) {
	comps := sampleComps()
	drafts, err := TemplateCopywriter{}.Draft(context.Background(), comps, 850000, "42 Hudson Ave, Beacon NY 12508")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if !strings.Contains(drafts.EmailDraft, EmailSubject("42 Hudson Ave, Beacon NY 12508")) {
		t.Fatalf("email subject missing: %s", drafts.EmailDraft)
	}
	verdict, err := FactLock{}.Verify(context.Background(), VerifyInput{
		Drafts: drafts, Comps: comps, TargetPrice: 850000, Address: "42 Hudson Ave, Beacon NY 12508",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verdict.Passed() {
		t.Fatalf("template drafts must pass: %s", verdict.Reason)
	}
}

func TestFactLockAllowsDeltasAndConstants(t *testing.T) {
	verdict, _ := FactLock{}.Verify(context.Background(), VerifyInput{
		Drafts:      Drafts{MMSDraft: "Priced $42,500 below 124 Elm St. Reply within 24 hours or 5 minutes."},
		Comps:       sampleComps(),
		TargetPrice: 850000,
	})
	if !verdict.Passed() {
		t.Fatalf("delta and constants must pass: %s", verdict.Reason)
	}
}

func TestFactLockHaltsOnInventedNumbers(t *testing.T) {
	verdict, err := FactLock{}.Verify(context.Background(), VerifyInput{
		Drafts:      Drafts{MMSDraft: "Homes here sell for $910,000.", EmailDraft: "3 bedrooms and $910,000 again"},
		Comps:       sampleComps(),
		TargetPrice: 850000,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verdict.Passed() || verdict.Status != VerdictHalt {
		t.Fatalf("expected halt, got %+v", verdict)
	}
	if verdict.Reason != "Hallucinated numbers detected: [3, 910000]" {
		t.Fatalf("unexpected reason %q", verdict.Reason)
	}
}

func TestScriptVerifier(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	in := VerifyInput{Drafts: Drafts{MMSDraft: "x"}, TargetPrice: 1}

	ok, _ := NewScriptVerifier("sh", []string{"-c", `cat >/dev/null; echo '{"status":"VERIFIED","reason":"ok"}'`}, "")
	verdict, err := ok.Verify(context.Background(), in)
	if err != nil || !verdict.Passed() {
		t.Fatalf("expected verified, got %+v %v", verdict, err)
	}

	halt, _ := NewScriptVerifier("sh", []string{"-c", `cat >/dev/null; echo '{"status":"HALT","reason":"bad math"}'`}, "")
	verdict, _ = halt.Verify(context.Background(), in)
	if verdict.Passed() || verdict.Reason != "bad math" {
		t.Fatalf("expected halt, got %+v", verdict)
	}

	broken, _ := NewScriptVerifier("sh", []string{"-c", "exit 3"}, "")
	verdict, err = broken.Verify(context.Background(), in)
	if err != nil || verdict.Passed() {
		t.Fatalf("non-zero exit must halt, got %+v %v", verdict, err)
	}

	garbage, _ := NewScriptVerifier("sh", []string{"-c", "echo not-json"}, "")
	verdict, _ = garbage.Verify(context.Background(), in)
	if verdict.Passed() {
		t.Fatalf("unparseable output must halt")
	}

	if _, err := NewScriptVerifier(" ", nil, ""); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
