package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"AgentGuard/internal/tool"
)

// maxReadBytes 限制 file.read 返回的内容大小。
const maxReadBytes = 1 << 20

type fileTools struct {
	read, write, delete, exists, list tool.Tool
}

func newFileTools() fileTools {
	return fileTools{
		read:   tool.New("file.read", tool.CategoryRead, false, withPath(readFile)),
		write:  tool.New("file.write", tool.CategorySafeWrite, false, withPath(writeFile)),
		delete: tool.New("file.delete", tool.CategoryHighImpact, true, withPath(deleteFile)),
		exists: tool.New("file.exists", tool.CategoryRead, false, withPath(fileExists)),
		list:   tool.New("file.list", tool.CategoryRead, false, withPath(listDir)),
	}
}

type pathFunc func(path, display string, input map[string]any) (tool.Result, error)

// withPath 解析并约束 path 输入，再调用具体实现。
func withPath(fn pathFunc) tool.RunFunc {
	return func(_ context.Context, input map[string]any, inv tool.Invocation) (tool.Result, error) {
		raw, err := requireString(input, "path")
		if err != nil {
			return tool.Result{Success: false, Error: err.Error()}, nil
		}
		path, err := confine(inv.ProjectRoot, raw)
		if err != nil {
			return tool.Result{Success: false, Error: err.Error()}, nil
		}
		return fn(path, raw, input)
	}
}

func readFile(path, _ string, _ map[string]any) (tool.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return tool.Result{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return tool.Result{}, err
	}
	content := string(data[:min(len(data), maxReadBytes)])
	if len(data) > maxReadBytes {
		content += "\n[truncated]"
	}
	return tool.Result{Success: true, Output: content}, nil
}

func writeFile(path, display string, input map[string]any) (tool.Result, error) {
	content, ok := input["content"].(string)
	if !ok {
		return tool.Result{Success: false, Error: "content is required"}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.Result{}, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return tool.Result{}, err
	}
	return tool.Result{Success: true, Output: fmt.Sprintf("Wrote %d bytes to %s", len(content), display)}, nil
}

func deleteFile(path, display string, _ map[string]any) (tool.Result, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return tool.Result{}, err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return tool.Result{}, err
		}
		if len(entries) > 0 {
			return tool.Result{Success: false, Error: "refusing to delete non-empty directory: " + display}, nil
		}
	}
	if err := os.Remove(path); err != nil {
		return tool.Result{}, err
	}
	return tool.Result{Success: true, Output: "Deleted " + display}, nil
}

func fileExists(path, display string, _ map[string]any) (tool.Result, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return tool.Result{Success: true, Output: "exists: " + display}, nil
	case errors.Is(err, fs.ErrNotExist):
		return tool.Result{Success: true, Output: "missing: " + display}, nil
	default:
		return tool.Result{}, err
	}
}

func listDir(path, display string, _ map[string]any) (tool.Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return tool.Result{}, err
	}
	if len(entries) == 0 {
		return tool.Result{Success: true, Output: "(empty) " + display}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return tool.Result{Success: true, Output: strings.Join(names, "\n")}, nil
}
