package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"AgentGuard/internal/config"
	"AgentGuard/pkg/logger"
)

// defaultConfigPath 在未指定 --config 与 AGENTGUARD_CONFIG 时使用，文件缺失时回退到默认配置。
var defaultConfigPath = filepath.Join("configs", "agentguard.yaml")

// main 是 AgentGuard 守护进程与命令行的入口。
func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentguard: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agentguard",
		Short:         "Guarded execution of agent plans against a project directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (env AGENTGUARD_CONFIG)")

	load := func() (*config.Config, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if err := logger.Init(cfg.Logging); err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newPlanCommand(load),
		newToolsCommand(load),
	)
	return root
}

// loadConfig 按 --config、AGENTGUARD_CONFIG、默认路径的顺序查找配置文件。
func loadConfig(explicit string) (*config.Config, error) {
	path := strings.TrimSpace(explicit)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("AGENTGUARD_CONFIG"))
	}

	var cfg *config.Config
	switch {
	case path != "":
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		if _, err := os.Stat(defaultConfigPath); err == nil {
			loaded, err := config.Load(defaultConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}
	}

	cfg.ApplyEnv(nil)
	return cfg, nil
}
