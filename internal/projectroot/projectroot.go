// Package projectroot normalises the directory a plan operates on.
package projectroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "AgentGuard/internal/errors"
)

// Normalize 返回绝对、清理过的路径，并要求其为已存在的目录。
func Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "projectRoot is required")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "cannot expand ~ in projectRoot")
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid projectRoot")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("projectRoot %s is not accessible", abs))
	}
	if !info.IsDir() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("projectRoot %s is not a directory", abs))
	}
	return abs, nil
}
