package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
)

var (
	permissionPatterns = []string{"eacces", "eperm", "permission denied", "access denied", "operation not permitted", "forbidden"}
	timeoutPatterns    = []string{"etimedout", "timed out", "timeout", "deadline exceeded"}
)

// Classify 把执行层错误映射为失败分类，无法识别的归为 execution_failed。
func Classify(err error, message string) FailureClass {
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return FailurePermissionDenied
		case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
			return FailureTimeout
		}
		if message == "" {
			message = err.Error()
		}
	}
	text := strings.ToLower(message)
	for _, p := range permissionPatterns {
		if strings.Contains(text, p) {
			return FailurePermissionDenied
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(text, p) {
			return FailureTimeout
		}
	}
	return FailureExecution
}
