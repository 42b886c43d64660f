package engine

import "strings"

// RedactedMarker 替换敏感字段的值。
const RedactedMarker = "[REDACTED]"

// sensitiveKeys 按归一化后的完整键名或后缀匹配，如 access_token、dbPassword。
var sensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"authorization",
	"privatekey",
	"secretkey",
	"accesskey",
	"credential",
	"credentials",
	"cookie",
}

// Redact 递归复制输入，并替换敏感键对应的值。
func Redact(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		if isSensitiveKey(key) {
			out[key] = RedactedMarker
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Redact(v)
	case map[string]string:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if isSensitiveKey(key) {
				out[key] = RedactedMarker
			} else {
				out[key] = item
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', ' ':
			return -1
		}
		return r
	}, strings.ToLower(key))
	for _, marker := range sensitiveKeys {
		if strings.HasSuffix(normalized, marker) {
			return true
		}
	}
	return false
}
