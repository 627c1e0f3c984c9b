package pipeline

import (
	"context"
	"math"
	"sort"
	"strings"
)

// 可比记录筛选的默认参数。
const (
	DefaultTolerance = 0.10
	DefaultKeep      = 3
)

// DefaultDenylist 是备注中出现即剔除的短语。
var DefaultDenylist = []string{"cash only", "needs tlc", "gut rehab", "sold to family", "handyman special"}

// CompSource 根据目标价格检索候选可比记录。
type CompSource interface {
	Candidates(ctx context.Context, address string, price float64) ([]CompEntry, error)
}

// CompSourceFunc 将函数适配为 CompSource。
type CompSourceFunc func(ctx context.Context, address string, price float64) ([]CompEntry, error)

// Candidates 调用底层函数。
func (f CompSourceFunc) Candidates(ctx context.Context, address string, price float64) ([]CompEntry, error) {
	return f(ctx, address, price)
}

type syntheticTemplate struct {
	address    string
	multiplier float64
	sqft       float64
	lotAcres   float64
	remarks    string
}

var syntheticTemplates = []syntheticTemplate{
	{"124 Elm St", 0.95, 2200, 0.5, "Beautiful home, new roof."},
	{"80 Oak Ln", 1.05, 2500, 1.5, "sold to family"},
	{"91 Maple Dr", 0.98, 2400, 1.2, "needs TLC but great bones."},
	{"55 Pine Ct", 1.02, 2600, 1.8, "Fully renovated, premium finishes."},
	{"12 Birch Rd", 0.91, 2100, 0.8, "handyman special"},
	{"30 Arlmont St", 1.08, 2700, 2.0, "Stunning views, custom build."},
}

// SyntheticComps 按固定倍数围绕目标价格生成六条候选记录，价格取整到美元。
type SyntheticComps struct{}

// Candidates 实现 CompSource。
func (SyntheticComps) Candidates(ctx context.Context, _ string, price float64) ([]CompEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]CompEntry, 0, len(syntheticTemplates))
	for _, tpl := range syntheticTemplates {
		out = append(out, CompEntry{
			Address:  tpl.address,
			Price:    math.Round(price * tpl.multiplier),
			Sqft:     tpl.sqft,
			LotAcres: tpl.lotAcres,
			Remarks:  tpl.remarks,
		})
	}
	return out, nil
}

// FilterComps 保留价格落在 price±tolerance 内且备注不含黑名单短语的记录，
// 按与目标价格的距离排序后取前 keep 条。
func FilterComps(candidates []CompEntry, price, tolerance float64, denylist []string, keep int) []CompEntry {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	low, high := price*(1-tolerance), price*(1+tolerance)

	type ranked struct {
		comp  CompEntry
		index int
	}
	kept := make([]ranked, 0, len(candidates))
	for i, comp := range candidates {
		if comp.Price < low || comp.Price > high {
			continue
		}
		if deniedRemarks(comp.Remarks, denylist) {
			continue
		}
		kept = append(kept, ranked{comp: comp, index: i})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return math.Abs(kept[i].comp.Price-price) < math.Abs(kept[j].comp.Price-price)
	})
	if len(kept) > keep {
		kept = kept[:keep]
	}
	// 恢复检索顺序，保证输出与候选顺序一致。
	sort.Slice(kept, func(i, j int) bool { return kept[i].index < kept[j].index })

	out := make([]CompEntry, len(kept))
	for i, r := range kept {
		out[i] = r.comp
	}
	return out
}

func deniedRemarks(remarks string, denylist []string) bool {
	lower := strings.ToLower(remarks)
	for _, phrase := range denylist {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
