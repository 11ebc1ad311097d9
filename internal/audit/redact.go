package audit

import (
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	tfnPattern   = regexp.MustCompile(`\b\d{3}[ -]?\d{3}[ -]?\d{3}\b`)
	bsbPattern   = regexp.MustCompile(`\b\d{3}-\d{3}\b`)
	// International numbers need a leading +; local ones need an Australian
	// mobile or area-code prefix, so dates and amounts pass through.
	phonePattern = regexp.MustCompile(`\+\d{1,3}(?:[\s.\-]?\(?\d{1,4}\)?){2,5}|\(0[2378]\)\s?\d{4}[\s\-]?\d{4}\b|\b0(?:4\d{2}[\s\-]?\d{3}[\s\-]?\d{3}|[2378][\s\-]?\d{4}[\s\-]?\d{4})\b`)
)

// MaskString replaces personal identifiers in free text. Audit details
// carry filter values typed by users, which can contain any of these.
func MaskString(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = tfnPattern.ReplaceAllString(masked, "*** *** ***")
	masked = bsbPattern.ReplaceAllString(masked, "***-***")
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// MaskValue walks decoded JSON-like values and masks every string.
func MaskValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = MaskValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, MaskValue(child))
		}
		return cloned
	case []string:
		cloned := make([]string, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, MaskString(child))
		}
		return cloned
	case string:
		return MaskString(typed)
	default:
		return value
	}
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
