package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"AgentGuard/internal/api"
	"AgentGuard/internal/config"
	"AgentGuard/internal/engine"
	"AgentGuard/internal/observability/alerting"
	"AgentGuard/internal/observability/metrics"
	"AgentGuard/internal/planner"
	"AgentGuard/internal/policy"
	"AgentGuard/internal/run"
	"AgentGuard/internal/storage/mysql"
	"AgentGuard/internal/tool"
	"AgentGuard/internal/tool/builtin"
	"AgentGuard/pkg/logger"
)

type configLoader func() (*config.Config, error)

func newServeCommand(load configLoader) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the guard HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if address != "" {
				cfg.Server.Address = address
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&address, "addr", "", "override server.address")
	return cmd
}

// serve 组装注册表、策略、引擎与运行协调器，并阻塞直到 ctx 结束。
func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("agentguard")

	license, ok := policy.ParseLicense(cfg.Server.DefaultLicense)
	if !ok {
		return fmt.Errorf("未知的默认授权等级: %s", cfg.Server.DefaultLicense)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	board := policy.NewSwitchboard(cfg.Emergency.KillSwitchFile, policy.EnvSource{})
	m := metrics.New()
	eng := engine.New(registry,
		engine.WithEmergencySource(board),
		engine.WithObserver(m),
	)

	store, err := openStore(ctx, cfg.Runs.Store)
	if err != nil {
		return err
	}
	publisher, err := openPublisher(ctx, cfg.Events)
	if err != nil {
		_ = store.Close()
		return err
	}

	coordinator := run.NewCoordinator(eng, run.NewMemoryQueue(cfg.Runs.QueueSize),
		run.WithWorkers(cfg.Runs.Workers),
		run.WithStore(store),
		run.WithPublisher(publisher),
		run.WithMirrorBuffer(cfg.Events.Buffer),
		run.WithPublishTimeout(time.Duration(cfg.Events.PublishTimeoutMs)*time.Millisecond),
		run.WithAlertDispatcher(buildAlerts(cfg.Alerting)),
		run.WithObserver(m),
		run.WithBacklog(cfg.Runs.Backlog),
	)
	defer func() {
		if err := coordinator.Close(); err != nil {
			log.Warn("关闭运行协调器失败", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address,
		planner.Validated{Inner: planner.NewStatic("")},
		coordinator,
		registry,
		api.WithMetrics(m),
		api.WithDefaultLicense(license),
		api.WithKeepAlive(cfg.Server.KeepAlive()),
	)

	log.Info("AgentGuard 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("profile", cfg.Tools.Profile),
		slog.String("store", cfg.Runs.Store.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("default_license", string(license)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(coordinator.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(board.Watch(gctx)) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Server.MetricsAddress, m.Handler()))
		})
	}

	err = g.Wait()
	log.Info("AgentGuard 已停止", slog.Any("error", err))
	return err
}

func buildRegistry(cfg *config.Config) (*tool.Registry, error) {
	return builtin.ForProfile(builtin.Profile(cfg.Tools.Profile), builtin.Options{
		Shell:          cfg.Tools.Shell,
		DefaultTimeout: time.Duration(cfg.Tools.TerminalTimeoutMs) * time.Millisecond,
	})
}

func openStore(ctx context.Context, cfg config.StoreConfig) (run.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return run.NewMemoryStore(0), nil
	case "mysql":
		return mysql.NewRunRepository(ctx, mysql.Config{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	default:
		return nil, fmt.Errorf("不支持的运行存储驱动: %s", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.EventsConfig) (run.Publisher, error) {
	switch cfg.Driver {
	case "none", "":
		return run.NopPublisher{}, nil
	case "redis":
		return run.NewRedisPublisher(ctx, run.RedisPublisherConfig{
			Address:       cfg.Redis.Address,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
	case "rabbitmq":
		return run.NewRabbitMQPublisher(run.RabbitMQPublisherConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	case "nats":
		return run.NewNATSPublisher(run.NATSPublisherConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
