package logger

import (
	"regexp"
	"strings"
)

// RedactEmail masks an email address for safe logging.
// "jane.doe@example.com" → "ja***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Fields carrying candidate or lead addresses are masked outright.
	if strings.Contains(key, "email") || strings.Contains(key, "rcpt") || strings.Contains(key, "lead") {
		return RedactEmail(val)
	}
	// Redact any embedded addresses in generic fields (SMTP banners, errors).
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
