package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gravity-claw/internal/agent"
	"gravity-claw/internal/config"
	"gravity-claw/internal/knowledge"
	"gravity-claw/internal/llm"
	"gravity-claw/internal/llm/anthropic"
	"gravity-claw/internal/llm/openai"
	"gravity-claw/internal/mcp"
	"gravity-claw/internal/memory"
	"gravity-claw/internal/observability/alerting"
	"gravity-claw/internal/pipeline"
	"gravity-claw/internal/push"
	"gravity-claw/internal/skills"
	"gravity-claw/internal/storage/pgvector"
	"gravity-claw/internal/storage/sqlstore"
	"gravity-claw/internal/tools"
	"gravity-claw/internal/tools/builtin"
	"gravity-claw/pkg/logger"
)

// app 汇总进程内的全部组件。
type app struct {
	loop         *agent.Loop
	engine       *pipeline.Engine
	queue        pipeline.Queue
	hub          *push.Hub
	alerts       alerting.Dispatcher
	skills       *skills.Loader
	integrations []string

	closers []func() error
}

// Close 按创建的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{hub: push.NewHub()}
	if err := a.build(ctx, cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	a.alerts = alerting.NewFanout(&alerting.PushNotifier{Publisher: a.hub}, alerting.AuditNotifier{})

	// 初始化模型路由。
	router, embedder, err := a.buildLLM(cfg)
	if err != nil {
		return err
	}

	// 初始化长期记忆与知识库。
	store, docs, graph, err := a.buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	var gatewayOpts []memory.Option
	if embedder != nil && !cfg.Memory.DisableEmbedder {
		gatewayOpts = append(gatewayOpts, memory.WithEmbedder(embedder))
	}
	gateway := memory.NewGateway(store, gatewayOpts...)
	a.onClose(gateway.Close)

	a.skills = skills.NewLoader(cfg.Tools.SkillsDir)
	if err := a.skills.Load(); err != nil {
		logger.L().Warn("加载技能失败", slog.Any("error", err))
	}

	// 构建对话循环，工具在循环创建后注册，子代理工具需要引用循环本身。
	registry := tools.NewRegistry()
	level, err := agent.ParseThinkLevel(cfg.Agent.ThinkLevel)
	if err != nil {
		return err
	}
	runtime := agent.NewRuntimeConfig(cfg.LLM.PrimaryModel, level)
	assembler := agent.NewAssembler(gateway, a.skills, agent.AssemblerConfig{
		HistoryLimit:    cfg.Agent.HistoryLimit,
		RecallThreshold: cfg.Agent.RecallThreshold,
		RecallCount:     cfg.Agent.RecallCount,
	})
	a.loop = agent.NewLoop(router, cfg.LLM.FallbackModel, registry, gateway, assembler, runtime,
		agent.WithPublisher(a.hub),
		agent.WithAlerts(a.alerts),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithLLMTimeout(cfg.LLMTimeout()),
	)

	deps := builtin.Deps{
		Config:    cfg.Tools,
		Documents: docs,
		Graph:     graph,
		Publisher: a.hub,
		Skills:    a.skills,
		Subagents: a.loop,
	}
	if cfg.Tools.Browser.Enabled {
		browser := builtin.NewBrowser(cfg.Tools.Browser)
		deps.Browser = browser
		a.onClose(func() error { browser.Close(); return nil })
		a.integrations = append(a.integrations, "browser")
	}
	if err := builtin.Register(registry, deps); err != nil {
		return err
	}
	for _, server := range cfg.Tools.MCPServers {
		bridge := mcp.NewBridge(server.Name, server.Command, server.Args, server.Env)
		registry.AddBridge(bridge)
		a.onClose(bridge.Close)
		a.integrations = append(a.integrations, "mcp:"+server.Name)
	}

	// 构建线索流水线。
	engine, err := a.buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	a.engine = engine

	queue, err := pipeline.NewQueue(cfg.Pipeline.Queue)
	if err != nil {
		return err
	}
	a.queue = queue
	a.onClose(queue.Close)
	a.integrations = append(a.integrations, "queue:"+cfg.Pipeline.Queue.Driver, "memory:"+cfg.Memory.Driver)
	return nil
}

func (a *app) buildLLM(cfg *config.Config) (*llm.Router, llm.Embedder, error) {
	timeout := cfg.LLMTimeout()
	clients := map[llm.Provider]llm.Client{}
	var embedder llm.Embedder

	if key := cfg.LLM.OpenRouter.APIKey; key != "" {
		client, err := openai.NewClient(openai.Config{APIKey: key, BaseURL: cfg.LLM.OpenRouter.BaseURL, Timeout: timeout})
		if err != nil {
			return nil, nil, err
		}
		clients[llm.ProviderOpenRouter] = client
		a.integrations = append(a.integrations, string(llm.ProviderOpenRouter))
	}
	if key := cfg.LLM.Gemini.APIKey; key != "" {
		client, err := openai.NewClient(openai.Config{APIKey: key, BaseURL: cfg.LLM.Gemini.BaseURL, Timeout: timeout})
		if err != nil {
			return nil, nil, err
		}
		clients[llm.ProviderGemini] = client
		a.integrations = append(a.integrations, string(llm.ProviderGemini))
	}
	if key := cfg.LLM.OpenAI.APIKey; key != "" {
		client, err := openai.NewClient(openai.Config{
			APIKey:         key,
			BaseURL:        cfg.LLM.OpenAI.BaseURL,
			Model:          cfg.LLM.OpenAI.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Timeout:        timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		clients[llm.ProviderOpenAI] = client
		embedder = client
		a.integrations = append(a.integrations, string(llm.ProviderOpenAI))
	}
	if key := cfg.LLM.Anthropic.APIKey; key != "" {
		client, err := anthropic.NewClient(anthropic.Config{
			APIKey:  key,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
			Model:   cfg.LLM.Anthropic.Model,
			Timeout: timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		clients[llm.ProviderAnthropic] = client
		a.integrations = append(a.integrations, string(llm.ProviderAnthropic))
	}
	if len(clients) == 0 {
		logger.L().Warn("未配置任何模型供应商密钥，对话将返回固定错误回复")
	}
	return llm.NewRouter(llm.PolicyFromConfig(cfg), clients), embedder, nil
}

func (a *app) buildStores(ctx context.Context, cfg *config.Config) (memory.Store, knowledge.DocumentStore, knowledge.GraphStore, error) {
	switch cfg.Memory.Driver {
	case "", "memory":
		return memory.NewMemoryStore(), knowledge.NewMemoryDocuments(), knowledge.NewMemoryGraph(), nil
	case "mysql", "sqlite":
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:       cfg.Memory.Driver,
			DSN:          cfg.Memory.DSN,
			MaxOpenConns: cfg.Memory.MaxOpenConns,
			MaxIdleConns: cfg.Memory.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store, nil
	case "pgvector", "postgres":
		store, err := pgvector.Open(ctx, pgvector.Config{
			DSN:          cfg.Memory.DSN,
			MaxOpenConns: cfg.Memory.MaxOpenConns,
			MaxIdleConns: cfg.Memory.MaxIdleConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return store, knowledge.NewMemoryDocuments(), knowledge.NewMemoryGraph(), nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的记忆存储驱动: %s", cfg.Memory.Driver)
	}
}

func (a *app) buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Engine, error) {
	pc := cfg.Pipeline
	brand := pipeline.Branding{
		BrokerName:    pc.BrokerName,
		BrokerTitle:   pc.BrokerTitle,
		BackgroundURL: pc.BackgroundURL,
		HeadshotURL:   pc.HeadshotURL,
	}
	var renderer pipeline.Renderer = &pipeline.HTMLRenderer{Dir: pc.AssetDir, Brand: brand}
	if pc.RenderPNG {
		renderer = &pipeline.ChromeRenderer{Dir: pc.AssetDir, Brand: brand, RemoteURL: cfg.Tools.Browser.RemoteURL}
	}

	persona := pipeline.Persona{BrokerName: pc.BrokerName, BrokerageName: pc.BrokerageName}
	var copywriter pipeline.Copywriter = pipeline.TemplateCopywriter{Persona: persona}
	if key := cfg.LLM.Gemini.APIKey; key != "" {
		genai, err := pipeline.NewGenAICopywriter(ctx, key, pc.CopyModel, persona)
		if err != nil {
			return nil, err
		}
		copywriter = genai
	}

	var verifier pipeline.Verifier = pipeline.FactLock{}
	if pc.Verifier.Kind == "script" {
		script, err := pipeline.NewScriptVerifier(pc.Verifier.Command, pc.Verifier.Args, cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		verifier = script
	}

	return pipeline.NewEngine(pipeline.NewTable(),
		pipeline.WithRenderer(renderer),
		pipeline.WithCopywriter(copywriter),
		pipeline.WithVerifier(verifier),
		pipeline.WithPublisher(a.hub),
		pipeline.WithAlerts(a.alerts),
		pipeline.WithCompFilter(pc.CompTolerance, pc.CompKeep, pc.Denylist),
		pipeline.WithStageTimeout(time.Duration(pc.StageTimeoutS)*time.Second),
	), nil
}
