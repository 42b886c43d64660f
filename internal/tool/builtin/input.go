package builtin

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func requireString(input map[string]any, key string) (string, error) {
	v := strings.TrimSpace(stringArg(input, key))
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func stringsArg(input map[string]any, key string) []string {
	switch v := input[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func timeoutArg(input map[string]any, def time.Duration) time.Duration {
	if ms := intArg(input, "timeoutMs", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// confine 把路径解析到项目根目录之内，越界时返回 permission denied。
func confine(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("project root is not set")
	}
	root = filepath.Clean(root)
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("permission denied: %s is outside the project root", path)
	}
	return target, nil
}

// workdir 解析 cwd 输入，缺省为项目根目录。
func workdir(root string, input map[string]any) (string, error) {
	cwd := stringArg(input, "cwd")
	if cwd == "" {
		if root == "" {
			return ".", nil
		}
		return root, nil
	}
	if root == "" {
		return cwd, nil
	}
	return confine(root, cwd)
}
