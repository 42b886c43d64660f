package builtin

import (
	"context"

	"AgentGuard/internal/tool"
)

// terminalWrite 通过 shell 执行任意命令，输出以 chunk 事件实时转发。
// 输入：command（必填）、cwd、timeoutMs。
func terminalWrite(sh shell) tool.Tool {
	return tool.New("terminal.write", tool.CategorySafeWrite, false,
		func(ctx context.Context, input map[string]any, inv tool.Invocation) (tool.Result, error) {
			script, err := requireString(input, "command")
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			dir, err := workdir(inv.ProjectRoot, input)
			if err != nil {
				return tool.Result{Success: false, Error: err.Error()}, nil
			}
			return sh.exec(ctx, inv, sh.script(script, dir, timeoutArg(input, sh.timeout)))
		})
}
