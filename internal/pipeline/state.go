package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status 是线索流水线的状态。
type Status string

const (
	StatusPendingIntent      Status = "PENDING_INTENT"
	StatusAwaitingOracle     Status = "AWAITING_ORACLE"
	StatusComputing          Status = "COMPUTING"
	StatusVerificationFailed Status = "VERIFICATION_FAILED"
	StatusReadyForApproval   Status = "READY_FOR_APPROVAL"
	StatusExecuted           Status = "EXECUTED"
)

// AllStatuses 按生命周期顺序列出全部状态。
var AllStatuses = []Status{
	StatusPendingIntent,
	StatusAwaitingOracle,
	StatusComputing,
	StatusVerificationFailed,
	StatusReadyForApproval,
	StatusExecuted,
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusVerificationFailed || s == StatusExecuted
}

// ParseStatus 解析状态名，大小写不敏感。
func ParseStatus(raw string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range AllStatuses {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}

// CompEntry 是一条可比成交记录。
type CompEntry struct {
	Address  string  `json:"address"`
	Price    float64 `json:"price"`
	Sqft     float64 `json:"sqft"`
	LotAcres float64 `json:"lotAcres"`
	Remarks  string  `json:"remarks"`
}

// Drafts 是文案阶段的产出。
type Drafts struct {
	MMSDraft   string `json:"mmsDraft"`
	EmailDraft string `json:"emailDraft"`
}

// Assets 是待审批的产出物。
type Assets struct {
	InfographicURL string `json:"infographicUrl"`
	MMSDraft       string `json:"mmsDraft"`
	EmailDraft     string `json:"emailDraft"`
}

// State 是单条线索的流水线状态。
type State struct {
	LeadID      string         `json:"leadId"`
	Address     string         `json:"address"`
	TargetPrice *float64       `json:"targetPrice"`
	Status      Status         `json:"status"`
	Assets      *Assets        `json:"assets,omitempty"`
	Comps       []CompEntry    `json:"comps,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (s State) clone() State {
	out := s
	if s.TargetPrice != nil {
		price := *s.TargetPrice
		out.TargetPrice = &price
	}
	if s.Assets != nil {
		assets := *s.Assets
		out.Assets = &assets
	}
	if s.Comps != nil {
		out.Comps = append([]CompEntry(nil), s.Comps...)
	}
	if s.Payload != nil {
		out.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// PriceFromPayload 读取负载中已确定的价格，只有正数才算数。
func PriceFromPayload(payload map[string]any) (float64, bool) {
	for _, key := range []string{"targetPrice", "price"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		if price, ok := toFloat(raw); ok && price > 0 {
			return price, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
