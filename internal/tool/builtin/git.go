package builtin

import (
	"context"
	"fmt"
	"strconv"

	"AgentGuard/internal/tool"
)

type gitTools struct {
	status, log, commit, stage tool.Tool
}

func newGitTools(sh shell) gitTools {
	run := func(args func(input map[string]any) ([]string, error)) tool.RunFunc {
		return func(ctx context.Context, input map[string]any, inv tool.Invocation) (tool.Result, error) {
			dir, err := workdir(inv.ProjectRoot, input)
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			argv, err := args(input)
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			return sh.exec(ctx, inv, sh.binary(dir, "git", argv...))
		}
	}

	return gitTools{
		status: tool.New("git.status", tool.CategoryRead, false, run(func(map[string]any) ([]string, error) {
			return []string{"status", "--short", "--branch"}, nil
		})),
		log: tool.New("git.log", tool.CategoryRead, false, run(func(input map[string]any) ([]string, error) {
			count := intArg(input, "count", 10)
			if count <= 0 {
				count = 10
			}
			return []string{"log", "--oneline", "-n", strconv.Itoa(count)}, nil
		})),
		stage: tool.New("git.stage", tool.CategorySafeWrite, false, stageRun(sh)),
		commit: tool.New("git.commit", tool.CategorySafeWrite, true, run(func(input map[string]any) ([]string, error) {
			msg, err := requireString(input, "message")
			if err != nil {
				return nil, err
			}
			return []string{"commit", "-m", msg}, nil
		})),
	}
}

// stageRun 执行 git add，成功但无输出时补充摘要，避免被判为静默成功。
func stageRun(sh shell) tool.RunFunc {
	return func(ctx context.Context, input map[string]any, inv tool.Invocation) (tool.Result, error) {
		dir, err := workdir(inv.ProjectRoot, input)
		if err != nil {
			return tool.Result{Success: false, Error: err.Error()}, nil
		}
		paths := stringsArg(input, "paths")
		if len(paths) == 0 {
			return tool.Result{Success: false, Error: "paths is required"}, nil
		}
		for _, p := range paths {
			if _, err := confine(inv.ProjectRoot, p); err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
		}
		res, err := sh.exec(ctx, inv, sh.binary(dir, "git", append([]string{"add", "--"}, paths...)...))
		if err == nil && res.Success {
			res.Output += fmt.Sprintf("Staged %d paths", len(paths))
		}
		return res, err
	}
}
