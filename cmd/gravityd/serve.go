package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"gravity-claw/internal/api"
	"gravity-claw/internal/auth"
	"gravity-claw/internal/config"
	"gravity-claw/internal/pipeline"
	"gravity-claw/internal/scheduler"
	"gravity-claw/pkg/logger"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务、线索处理器与定时任务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		RingSize:    cfg.Logging.RingSize,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	defer logger.Sync()
	log := logger.Named("gravityd")

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	authService, err := newAuthService(cfg.Auth)
	if err != nil {
		return err
	}

	// 启动线索处理器。
	processor := pipeline.NewProcessor(app.engine, app.queue,
		pipeline.WithWorkerCount(cfg.Pipeline.Workers),
		pipeline.WithProcessorLogger(logger.Named("processor")),
		pipeline.WithAlertDispatcher(app.alerts),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("线索处理器异常退出", slog.Any("error", err))
		}
	}()

	// 启动技能目录监听。
	go func() {
		if err := app.skills.Watch(ctx); err != nil {
			log.Warn("技能热加载不可用", slog.Any("error", err))
		}
	}()

	// 启动定时任务。
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(app.loop, app.hub, cfg.Scheduler.Session, scheduler.DefaultJobs(cfg.Scheduler))
		if err != nil {
			return err
		}
		go sched.Start(ctx)
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Chat:           app.loop,
		Pipeline:       app.engine,
		Intake:         app.queue,
		Hub:            app.hub,
		Auth:           authService,
		Logs:           logger.Ring(),
		Setup:          cfg.MissingKeys(),
		Integrations:   app.integrations,
		AssetDir:       cfg.Pipeline.AssetDir,
		PublicDir:      cfg.Server.PublicDir,
		DefaultSession: cfg.Agent.DefaultSession,
		ShutdownWait:   time.Duration(cfg.Server.ShutdownSeconds) * time.Second,
	})

	err = server.Start(ctx)
	app.engine.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("服务已停止")
	return nil
}

func newAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	mode, err := auth.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return auth.NewService(auth.Config{
		Mode:         mode,
		Secret:       cfg.JWTSecret,
		Issuer:       cfg.Issuer,
		TTL:          time.Duration(cfg.TokenTTL) * time.Minute,
		StaticTokens: cfg.StaticKeys,
	})
}
