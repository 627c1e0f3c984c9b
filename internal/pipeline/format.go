package pipeline

import (
	"strconv"
	"strings"
)

// formatAmount 按千分位格式化金额，小数部分最多保留两位。
func formatAmount(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	raw := strconv.FormatFloat(v, 'f', 2, 64)
	whole, frac, _ := strings.Cut(raw, ".")
	frac = strings.TrimRight(frac, "0")

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac != "" {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}

// formatNumber 输出不带千分位的紧凑数字。
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
