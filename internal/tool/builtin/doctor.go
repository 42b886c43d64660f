package builtin

import (
	"context"
	"strings"

	"AgentGuard/internal/tool"
)

// psLimit 是 doctor.ps 保留的进程行数。
const psLimit = 20

// doctorTools 是只读的系统诊断命令，固定参数，不接受调用方输入。
func doctorTools(sh shell) []tool.Tool {
	diag := func(name string, transform func(string) string, argv ...string) tool.Tool {
		return tool.New(name, tool.CategoryRead, false,
			func(ctx context.Context, _ map[string]any, inv tool.Invocation) (tool.Result, error) {
				res, err := sh.exec(ctx, inv, sh.binary(inv.ProjectRoot, argv[0], argv[1:]...))
				if err == nil && res.Success && transform != nil {
					res.Output = transform(res.Output)
				}
				return res, err
			})
	}
	return []tool.Tool{
		diag("doctor.sensors", nil, "sensors"),
		diag("doctor.df", nil, "df", "-h"),
		diag("doctor.uptime", nil, "uptime"),
		diag("doctor.ps", headLines(psLimit+1), "ps", "-eo", "pid,ppid,pcpu,pmem,comm", "--sort=-pcpu"),
		diag("doctor.free", nil, "free", "-h"),
	}
}

func headLines(n int) func(string) string {
	return func(s string) string {
		lines := strings.SplitAfter(s, "\n")
		if len(lines) <= n {
			return s
		}
		return strings.Join(lines[:n], "")
	}
}

// deployProd 在项目根目录执行调用方给出的部署命令。
// 输入：target、command（均必填）、timeoutMs。
func deployProd(sh shell) tool.Tool {
	return tool.New("deploy.prod", tool.CategoryHighImpact, true,
		func(ctx context.Context, input map[string]any, inv tool.Invocation) (tool.Result, error) {
			target, err := requireString(input, "target")
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			script, err := requireString(input, "command")
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			res, err := sh.exec(ctx, inv, sh.script(script, inv.ProjectRoot, timeoutArg(input, sh.timeout)))
			if err == nil && res.Success {
				res.Output = "Deployed to " + target + "\n" + res.Output
			}
			return res, err
		})
}

// dockerPrune 清理未使用的 docker 资源。
func dockerPrune(sh shell) tool.Tool {
	return tool.New("docker.prune", tool.CategoryHighImpact, true,
		func(ctx context.Context, _ map[string]any, inv tool.Invocation) (tool.Result, error) {
			return sh.exec(ctx, inv, sh.binary(inv.ProjectRoot, "docker", "system", "prune", "-f"))
		})
}
