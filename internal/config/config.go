package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 Gravity Claw 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address" yaml:"address"`
	PublicDir       string   `json:"public_dir" yaml:"public_dir"`
	ShutdownSeconds int      `json:"shutdown_seconds" yaml:"shutdown_seconds"`
	AllowedOrigins  []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	RingSize    int      `json:"ring_size" yaml:"ring_size"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// LLMConfig 描述模型路由与各个供应商的端点。
type LLMConfig struct {
	PrimaryModel   string         `json:"primary_model" yaml:"primary_model"`
	FallbackModel  string         `json:"fallback_model" yaml:"fallback_model"`
	TimeoutSeconds int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	OpenRouter     EndpointConfig `json:"openrouter" yaml:"openrouter"`
	Gemini         EndpointConfig `json:"gemini" yaml:"gemini"`
	OpenAI         EndpointConfig `json:"openai" yaml:"openai"`
	Anthropic      EndpointConfig `json:"anthropic" yaml:"anthropic"`
	EmbeddingModel string         `json:"embedding_model" yaml:"embedding_model"`
}

// EndpointConfig 描述单个 OpenAI 兼容或原生供应商端点。
type EndpointConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// AgentConfig 对应对话循环与上下文组装的可调参数。
type AgentConfig struct {
	MaxIterations   int     `json:"max_iterations" yaml:"max_iterations"`
	HistoryLimit    int     `json:"history_limit" yaml:"history_limit"`
	RecallThreshold float64 `json:"recall_threshold" yaml:"recall_threshold"`
	RecallCount     int     `json:"recall_count" yaml:"recall_count"`
	ThinkLevel      string  `json:"think_level" yaml:"think_level"`
	DefaultSession  string  `json:"default_session" yaml:"default_session"`
}

// MemoryConfig 选择长期记忆的存储后端。
type MemoryConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	EmbeddingDims   int    `json:"embedding_dims" yaml:"embedding_dims"`
	DisableEmbedder bool   `json:"disable_embedder" yaml:"disable_embedder"`
}

// ToolsConfig 描述本地工具的白名单以及外部桥接。
type ToolsConfig struct {
	AllowedShellCommands []string          `json:"allowed_shell_commands" yaml:"allowed_shell_commands"`
	ShellTimeoutSeconds  int               `json:"shell_timeout_seconds" yaml:"shell_timeout_seconds"`
	AllowedFilePaths     []string          `json:"allowed_file_paths" yaml:"allowed_file_paths"`
	SkillsDir            string            `json:"skills_dir" yaml:"skills_dir"`
	WorkflowsDir         string            `json:"workflows_dir" yaml:"workflows_dir"`
	SearchURL            string            `json:"search_url" yaml:"search_url"`
	Browser              BrowserConfig     `json:"browser" yaml:"browser"`
	MCPServers           []MCPServerConfig `json:"mcp_servers" yaml:"mcp_servers"`
}

// BrowserConfig 控制 chromedp 的启动方式。
type BrowserConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	RemoteURL string `json:"remote_url" yaml:"remote_url"`
	Headless  bool   `json:"headless" yaml:"headless"`
}

// MCPServerConfig 描述一个通过 stdio 启动的工具桥。
type MCPServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
}

// PipelineConfig 描述线索流水线的队列与阶段参数。
type PipelineConfig struct {
	Queue         QueueConfig    `json:"queue" yaml:"queue"`
	Workers       int            `json:"workers" yaml:"workers"`
	CompTolerance float64        `json:"comp_tolerance" yaml:"comp_tolerance"`
	CompKeep      int            `json:"comp_keep" yaml:"comp_keep"`
	Denylist      []string       `json:"denylist" yaml:"denylist"`
	AssetDir      string         `json:"asset_dir" yaml:"asset_dir"`
	RenderPNG     bool           `json:"render_png" yaml:"render_png"`
	CopyModel     string         `json:"copy_model" yaml:"copy_model"`
	Verifier      VerifierConfig `json:"verifier" yaml:"verifier"`
	StageTimeoutS int            `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`
	BrokerName    string         `json:"broker_name" yaml:"broker_name"`
	BrokerTitle   string         `json:"broker_title" yaml:"broker_title"`
	BackgroundURL string         `json:"background_url" yaml:"background_url"`
	HeadshotURL   string         `json:"headshot_url" yaml:"headshot_url"`
	BrokerageName string         `json:"brokerage_name" yaml:"brokerage_name"`
}

// QueueConfig 选择线索接入队列的实现。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Size     int            `json:"size" yaml:"size"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接信息。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	Queue     string `json:"queue" yaml:"queue"`
	BlockWait int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// VerifierConfig 选择文案核验策略。
type VerifierConfig struct {
	Kind    string   `json:"kind" yaml:"kind"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
}

// SchedulerConfig 描述主动推送的 cron 表达式。
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	MorningBriefing string `json:"morning_briefing" yaml:"morning_briefing"`
	EveningRecap    string `json:"evening_recap" yaml:"evening_recap"`
	Heartbeat       string `json:"heartbeat" yaml:"heartbeat"`
	Session         string `json:"session" yaml:"session"`
}

// AuthConfig 描述操作员接口的鉴权方式。
type AuthConfig struct {
	Mode       string   `json:"mode" yaml:"mode"`
	JWTSecret  string   `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer     string   `json:"issuer" yaml:"issuer"`
	TokenTTL   int      `json:"token_ttl_minutes" yaml:"token_ttl_minutes"`
	StaticKeys []string `json:"static_tokens" yaml:"static_tokens"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Credentials 记录各个模型供应商的密钥是否存在。
type Credentials struct {
	OpenRouter bool
	Gemini     bool
	OpenAI     bool
	Anthropic  bool
}

// MissingKey 描述仪表盘上提示缺失的配置项。
type MissingKey struct {
	Key     string `json:"key"`
	Feature string `json:"feature"`
	Status  string `json:"status"`
}

// Load 负责解析指定路径的 YAML 或 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// LoadOrDefault 在文件不存在时仅使用环境变量与默认值。
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("检查配置文件失败: %w", err)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	cfg := &Config{}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(cwd)
	return cfg, nil
}

// applyEnv 使用环境变量覆盖密钥与白名单等敏感或部署相关的字段。
func (c *Config) applyEnv(getenv func(string) string) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setList := func(dst *[]string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = splitList(v)
		}
	}

	setString(&c.LLM.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	setString(&c.LLM.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.PrimaryModel, "GRAVITY_MODEL")
	setString(&c.Server.Address, "GRAVITY_ADDR")
	if port := strings.TrimSpace(getenv("PORT")); port != "" && c.Server.Address == "" {
		c.Server.Address = ":" + port
	}
	setString(&c.Memory.Driver, "GRAVITY_MEMORY_DRIVER")
	setString(&c.Memory.DSN, "GRAVITY_MEMORY_DSN")
	setList(&c.Tools.AllowedShellCommands, "ALLOWED_SHELL_COMMANDS")
	setList(&c.Tools.AllowedFilePaths, "ALLOWED_FILE_PATHS")
	setString(&c.Auth.JWTSecret, "GRAVITY_JWT_SECRET")
	setString(&c.Scheduler.MorningBriefing, "CRON_MORNING_BRIEFING")
	setString(&c.Scheduler.EveningRecap, "CRON_EVENING_RECAP")
	setString(&c.Scheduler.Heartbeat, "CRON_HEARTBEAT")
	setString(&c.Logging.Level, "GRAVITY_LOG_LEVEL")
	if v := strings.TrimSpace(getenv("GRAVITY_RECALL_THRESHOLD")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			c.Agent.RecallThreshold = parsed
		}
	}
	if v := strings.TrimSpace(getenv("GRAVITY_RECALL_COUNT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Agent.RecallCount = parsed
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 5
	}
	if c.Server.PublicDir == "" {
		c.Server.PublicDir = "public"
	}
	c.Server.PublicDir = resolve(baseDir, c.Server.PublicDir)

	if c.Logging.RingSize <= 0 {
		c.Logging.RingSize = 200
	}

	if c.LLM.PrimaryModel == "" {
		c.LLM.PrimaryModel = "google/gemini-2.5-pro"
	}
	if c.LLM.FallbackModel == "" {
		c.LLM.FallbackModel = "google/gemini-2.5-pro"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.OpenRouter.BaseURL == "" {
		c.LLM.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Gemini.BaseURL == "" {
		c.LLM.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 5
	}
	if c.Agent.HistoryLimit <= 0 {
		c.Agent.HistoryLimit = 15
	}
	if c.Agent.RecallThreshold <= 0 {
		c.Agent.RecallThreshold = 0.5
	}
	if c.Agent.RecallCount <= 0 {
		c.Agent.RecallCount = 15
	}
	if c.Agent.ThinkLevel == "" {
		c.Agent.ThinkLevel = "default"
	}
	if c.Agent.DefaultSession == "" {
		c.Agent.DefaultSession = "default"
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.Driver == "sqlite" && c.Memory.DSN == "" {
		c.Memory.DSN = "file:" + filepath.Join(resolve(baseDir, "data"), "gravity.db")
	}
	if c.Memory.EmbeddingDims <= 0 {
		c.Memory.EmbeddingDims = 1536
	}

	if len(c.Tools.AllowedShellCommands) == 0 {
		c.Tools.AllowedShellCommands = []string{"ls", "pwd", "whoami", "echo", "cat", "git", "go"}
	}
	if c.Tools.ShellTimeoutSeconds <= 0 {
		c.Tools.ShellTimeoutSeconds = 30
	}
	if len(c.Tools.AllowedFilePaths) == 0 {
		c.Tools.AllowedFilePaths = []string{baseDir}
	}
	if c.Tools.SkillsDir == "" {
		c.Tools.SkillsDir = "skills"
	}
	c.Tools.SkillsDir = resolve(baseDir, c.Tools.SkillsDir)
	if c.Tools.WorkflowsDir == "" {
		c.Tools.WorkflowsDir = "workflows"
	}
	c.Tools.WorkflowsDir = resolve(baseDir, c.Tools.WorkflowsDir)
	if c.Tools.SearchURL == "" {
		c.Tools.SearchURL = "https://html.duckduckgo.com/html/"
	}

	if c.Pipeline.Queue.Driver == "" {
		c.Pipeline.Queue.Driver = "memory"
	}
	if c.Pipeline.Queue.Size <= 0 {
		c.Pipeline.Queue.Size = 256
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 2
	}
	if c.Pipeline.CompTolerance <= 0 {
		c.Pipeline.CompTolerance = 0.10
	}
	if c.Pipeline.CompKeep <= 0 {
		c.Pipeline.CompKeep = 3
	}
	if len(c.Pipeline.Denylist) == 0 {
		c.Pipeline.Denylist = []string{"cash only", "needs tlc", "gut rehab", "sold to family", "handyman special"}
	}
	if c.Pipeline.AssetDir == "" {
		c.Pipeline.AssetDir = filepath.Join(c.Server.PublicDir, "assets", "willow")
	}
	c.Pipeline.AssetDir = resolve(baseDir, c.Pipeline.AssetDir)
	if c.Pipeline.CopyModel == "" {
		c.Pipeline.CopyModel = "gemini-2.5-pro"
	}
	if c.Pipeline.Verifier.Kind == "" {
		c.Pipeline.Verifier.Kind = "factlock"
	}
	if c.Pipeline.StageTimeoutS <= 0 {
		c.Pipeline.StageTimeoutS = 300
	}
	if c.Pipeline.BrokerName == "" {
		c.Pipeline.BrokerName = "Glenn Fitzgerald"
	}
	if c.Pipeline.BrokerTitle == "" {
		c.Pipeline.BrokerTitle = "Chairman & Human Oracle"
	}

	if c.Scheduler.MorningBriefing == "" {
		c.Scheduler.MorningBriefing = "0 8 * * *"
	}
	if c.Scheduler.EveningRecap == "" {
		c.Scheduler.EveningRecap = "0 20 * * *"
	}
	if c.Scheduler.Heartbeat == "" {
		c.Scheduler.Heartbeat = "0 * * * *"
	}
	if c.Scheduler.Session == "" {
		c.Scheduler.Session = "scheduler"
	}

	if c.Auth.Mode == "" {
		if c.Auth.JWTSecret != "" {
			c.Auth.Mode = "jwt"
		} else {
			c.Auth.Mode = "disabled"
		}
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "gravity-claw"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * 60
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = "data"
	}
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
}

// Credentials 返回各供应商密钥的存在情况。
func (c *Config) Credentials() Credentials {
	return Credentials{
		OpenRouter: c.LLM.OpenRouter.APIKey != "",
		Gemini:     c.LLM.Gemini.APIKey != "",
		OpenAI:     c.LLM.OpenAI.APIKey != "",
		Anthropic:  c.LLM.Anthropic.APIKey != "",
	}
}

// MissingKeys 列出仪表盘需要提示的缺失配置。
func (c *Config) MissingKeys() []MissingKey {
	var missing []MissingKey
	creds := c.Credentials()
	if !creds.OpenRouter && !creds.Gemini && !creds.OpenAI && !creds.Anthropic {
		missing = append(missing, MissingKey{
			Key:     "OPENROUTER_API_KEY / GEMINI_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY",
			Feature: "Conversation loop provider",
			Status:  "pending",
		})
	}
	if !creds.Gemini {
		missing = append(missing, MissingKey{
			Key:     "GEMINI_API_KEY",
			Feature: "Pipeline narrative drafting",
			Status:  "pending",
		})
	}
	if !creds.OpenAI {
		missing = append(missing, MissingKey{
			Key:     "OPENAI_API_KEY",
			Feature: "Semantic recall embeddings",
			Status:  "pending",
		})
	}
	if c.Memory.Driver == "memory" {
		missing = append(missing, MissingKey{
			Key:     "memory.driver / GRAVITY_MEMORY_DSN",
			Feature: "Durable long-term memory",
			Status:  "pending",
		})
	}
	return missing
}

// LLMTimeout 返回模型调用的超时时间。
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
