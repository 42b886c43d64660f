// Package builtin provides the standard tool set and the registry profiles
// built from it.
package builtin

import (
	"fmt"
	"strings"
	"time"

	"AgentGuard/internal/tool"
)

// Profile 是注册表的工具组合。
type Profile string

const (
	ProfileStandard Profile = "standard"
	ProfileReadOnly Profile = "read-only"
	ProfileDoctor   Profile = "doctor"
)

// Options 控制内置工具的运行方式。
type Options struct {
	Shell          string
	DefaultTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Shell) == "" {
		o.Shell = "/bin/sh"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}
	return o
}

type toolset struct {
	terminal tool.Tool
	files    fileTools
	git      gitTools
	doctor   []tool.Tool
	deploy   tool.Tool
	prune    tool.Tool
}

func newToolset(opts Options) toolset {
	opts = opts.withDefaults()
	sh := shell{path: opts.Shell, timeout: opts.DefaultTimeout}
	return toolset{
		terminal: terminalWrite(sh),
		files:    newFileTools(),
		git:      newGitTools(sh),
		doctor:   doctorTools(sh),
		deploy:   deployProd(sh),
		prune:    dockerPrune(sh),
	}
}

// Standard 注册全部内置工具。
func Standard(opts Options) *tool.Registry {
	ts := newToolset(opts)
	reg := tool.NewRegistry()
	reg.MustRegister(ts.terminal)
	reg.MustRegister(ts.files.read, ts.files.write, ts.files.delete, ts.files.exists, ts.files.list)
	reg.MustRegister(ts.git.status, ts.git.log, ts.git.commit, ts.git.stage)
	reg.MustRegister(ts.doctor...)
	reg.MustRegister(ts.deploy, ts.prune)
	return reg
}

// ReadOnly 只注册 read 类别的工具。
func ReadOnly(opts Options) *tool.Registry {
	ts := newToolset(opts)
	reg := tool.NewRegistry()
	reg.MustRegister(ts.files.read, ts.files.exists, ts.files.list)
	reg.MustRegister(ts.git.status, ts.git.log)
	reg.MustRegister(ts.doctor...)
	return reg
}

// Doctor 注册诊断工具和用于修复的 safe-write 工具。
func Doctor(opts Options) *tool.Registry {
	reg := ReadOnly(opts)
	ts := newToolset(opts)
	reg.MustRegister(ts.terminal, ts.files.write, ts.git.stage)
	return reg
}

// ForProfile 按名称构造注册表。
func ForProfile(profile Profile, opts Options) (*tool.Registry, error) {
	switch profile {
	case ProfileStandard, "":
		return Standard(opts), nil
	case ProfileReadOnly:
		return ReadOnly(opts), nil
	case ProfileDoctor:
		return Doctor(opts), nil
	default:
		return nil, fmt.Errorf("unknown tool profile %q", profile)
	}
}
