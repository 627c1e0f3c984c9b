package pipeline

import (
	"context"
	"testing"
)

func TestSyntheticCompsFilteredByDenylist(t *testing.T) {
	candidates, err := SyntheticComps{}.Candidates(context.Background(), "42 Hudson Ave", 850000)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 6 {
		t.Fatalf("expected six candidates, got %d", len(candidates))
	}
	if candidates[0].Price != 807500 {
		t.Fatalf("expected rounded price 807500, got %v", candidates[0].Price)
	}

	comps := FilterComps(candidates, 850000, DefaultTolerance, DefaultDenylist, DefaultKeep)
	want := []string{"124 Elm St", "55 Pine Ct", "30 Arlmont St"}
	if len(comps) != len(want) {
		t.Fatalf("expected %d comps, got %+v", len(want), comps)
	}
	for i, addr := range want {
		if comps[i].Address != addr {
			t.Fatalf("comp %d: expected %s, got %s", i, addr, comps[i].Address)
		}
	}
}

func TestFilterCompsBandAndKeep(t *testing.T) {
	candidates := []CompEntry{
		{Address: "1 A St", Price: 79},
		{Address: "2 B St", Price: 95, Remarks: "CASH ONLY buyers"},
		{Address: "3 C St", Price: 104},
		{Address: "4 D St", Price: 99},
		{Address: "5 E St", Price: 110},
		{Address: "6 F St", Price: 111},
	}
	comps := FilterComps(candidates, 100, 0.10, DefaultDenylist, 2)
	if len(comps) != 2 {
		t.Fatalf("expected 2 comps, got %+v", comps)
	}
	// 保留距离目标价格最近的两条，并维持原始顺序。
	if comps[0].Address != "3 C St" || comps[1].Address != "4 D St" {
		t.Fatalf("unexpected selection %+v", comps)
	}
}

func TestFilterCompsEmpty(t *testing.T) {
	if got := FilterComps(nil, 100, 0, nil, 0); len(got) != 0 {
		t.Fatalf("expected no comps, got %+v", got)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[float64]string{
		0:         "0",
		950:       "950",
		1000:      "1,000",
		850000:    "850,000",
		1234567.5: "1,234,567.5",
		-12000:    "-12,000",
	}
	for in, want := range cases {
		if got := formatAmount(in); got != want {
			t.Fatalf("formatAmount(%v) = %q, want %q", in, got, want)
		}
	}
}
