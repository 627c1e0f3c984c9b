package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// 核验结论。
const (
	VerdictVerified = "VERIFIED"
	VerdictHalt     = "HALT"
)

// Verdict 是核验器的结论。
type Verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Passed 判断核验是否通过。
func (v Verdict) Passed() bool { return v.Status == VerdictVerified }

// VerifyInput 是核验器的输入。
type VerifyInput struct {
	Drafts      Drafts      `json:"drafts"`
	Comps       []CompEntry `json:"comps"`
	TargetPrice float64     `json:"targetPrice"`
	Address     string      `json:"address"`
}

// Verifier 检查文案中的数字与可比记录、目标价格是否一致。
type Verifier interface {
	Verify(ctx context.Context, in VerifyInput) (Verdict, error)
}

const numberTolerance = 0.1

var (
	draftNumberPattern   = regexp.MustCompile(`\$?(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`)
	whitelistedConstants = []float64{24, 5}
)

// FactLock 是零容差的确定性核验器：文案中出现的每个数字都必须能在输入中找到出处。
type FactLock struct{}

// Verify 实现 Verifier。
func (FactLock) Verify(ctx context.Context, in VerifyInput) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	allowed := allowedNumbers(in)
	deltas := make([]float64, 0, len(in.Comps))
	for _, comp := range in.Comps {
		deltas = append(deltas, math.Abs(comp.Price-in.TargetPrice))
	}

	seen := make(map[float64]struct{})
	var hallucinated []float64
	for _, num := range ExtractNumbers(in.Drafts.MMSDraft + " " + in.Drafts.EmailDraft) {
		if withinAny(num, allowed) || withinAny(num, deltas) {
			continue
		}
		if _, dup := seen[num]; dup {
			continue
		}
		seen[num] = struct{}{}
		hallucinated = append(hallucinated, num)
	}
	if len(hallucinated) > 0 {
		sort.Float64s(hallucinated)
		parts := make([]string, len(hallucinated))
		for i, n := range hallucinated {
			parts[i] = formatNumber(n)
		}
		return Verdict{
			Status: VerdictHalt,
			Reason: "Hallucinated numbers detected: [" + strings.Join(parts, ", ") + "]",
		}, nil
	}
	return Verdict{Status: VerdictVerified, Reason: "100% Mathematically verified, brand-safe payload."}, nil
}

func allowedNumbers(in VerifyInput) []float64 {
	allowed := append([]float64{in.TargetPrice}, whitelistedConstants...)
	allowed = append(allowed, ExtractNumbers(in.Address)...)
	for _, comp := range in.Comps {
		allowed = append(allowed, comp.Price, comp.Sqft, comp.LotAcres)
		allowed = append(allowed, ExtractNumbers(comp.Address)...)
	}
	return allowed
}

func withinAny(num float64, candidates []float64) bool {
	for _, c := range candidates {
		if math.Abs(num-c) < numberTolerance {
			return true
		}
	}
	return false
}

// ExtractNumbers 提取文本中的金额与数字，支持千分位与小数。
func ExtractNumbers(text string) []float64 {
	matches := draftNumberPattern.FindAllStringSubmatch(text, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		cleaned := strings.ReplaceAll(m[1], ",", "")
		if v, err := strconv.ParseFloat(cleaned, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// ScriptVerifier 调用外部核验程序，将输入以 JSON 写入 stdin，
// 并期望 stdout 输出 {"status": "VERIFIED"|"HALT", "reason": ...}。
type ScriptVerifier struct {
	command    string
	args       []string
	workingDir string
}

// NewScriptVerifier 创建外部核验器。
func NewScriptVerifier(command string, args []string, workingDir string) (*ScriptVerifier, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("未指定核验程序")
	}
	return &ScriptVerifier{command: command, args: args, workingDir: workingDir}, nil
}

// Verify 实现 Verifier。程序非零退出或输出无法解析时视为未通过。
func (s *ScriptVerifier) Verify(ctx context.Context, in VerifyInput) (Verdict, error) {
	encoded, err := json.Marshal(in)
	if err != nil {
		return Verdict{}, fmt.Errorf("序列化核验输入失败: %w", err)
	}

	command := exec.CommandContext(ctx, s.command, s.args...)
	if s.workingDir != "" {
		command.Dir = s.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		return Verdict{
			Status: VerdictHalt,
			Reason: fmt.Sprintf("核验程序执行失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String())),
		}, nil
	}

	var verdict Verdict
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &verdict); err != nil {
		return Verdict{Status: VerdictHalt, Reason: "无法解析核验程序输出"}, nil
	}
	if verdict.Status != VerdictVerified {
		verdict.Status = VerdictHalt
	}
	return verdict, nil
}
