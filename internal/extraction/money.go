package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// MoneyPattern matches an optional currency code, an optional symbol and
	// an amount. Group 1 is the whole amount text, group 3 the number.
	MoneyPattern = regexp.MustCompile(`((?:GBP|USD|CAD|EUR|AUD|INR|JPY|MXN)?\s?(CDN\$|[$£€¥₹])?\s?(-?\d[\d,.]*))`)

	// OrderIDPattern matches order numbers such as 123-1234567-1234567 and
	// digital ids such as D01-1234567-1234567.
	OrderIDPattern = regexp.MustCompile(`[A-Z0-9]{3}-\d+-\d+`)
)

// ParseAmount extracts the first monetary amount from s. Both 1,234.56 and
// 1.234,56 are understood. ok is false when s holds no number.
func ParseAmount(s string) (amount float64, ok bool) {
	m := MoneyPattern.FindStringSubmatch(s)
	if m == nil || m[3] == "" {
		return 0, false
	}
	num := m[3]
	neg := strings.HasPrefix(num, "-")
	num = strings.TrimPrefix(num, "-")
	num = strings.TrimRight(num, ".,")

	lastDot := strings.LastIndex(num, ".")
	lastComma := strings.LastIndex(num, ",")
	switch {
	case lastComma > lastDot && len(num)-lastComma-1 <= 2:
		num = strings.ReplaceAll(num, ".", "")
		num = strings.Replace(num, ",", ".", 1)
	default:
		num = strings.ReplaceAll(num, ",", "")
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if neg || (m[2] != "" && strings.Contains(s, "-"+m[2])) {
		v = -v
	}
	return v, true
}
