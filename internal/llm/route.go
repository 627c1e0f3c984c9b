package llm

import (
	"context"
	"strings"

	"gravity-claw/internal/config"
	xerrors "gravity-claw/internal/errors"
)

// Provider 标识一个具体的模型端点。
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderGemini     Provider = "gemini"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
)

const defaultGeminiModel = "gemini-2.5-pro"

// Route 是一次选择的结果。
type Route struct {
	Provider Provider
	Model    string
}

// Policy 描述路由所需的全部输入。
type Policy struct {
	FallbackModel  string
	OpenAIModel    string
	AnthropicModel string
	Credentials    config.Credentials
}

// PolicyFromConfig 从配置构造路由策略。
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		FallbackModel:  cfg.LLM.FallbackModel,
		OpenAIModel:    cfg.LLM.OpenAI.Model,
		AnthropicModel: cfg.LLM.Anthropic.Model,
		Credentials:    cfg.Credentials(),
	}
}

// SelectRoute 根据请求模型与密钥情况选择供应商，结果只取决于入参。
func SelectRoute(model string, policy Policy) Route {
	creds := policy.Credentials
	if creds.Gemini && (model == policy.FallbackModel || !creds.OpenRouter) {
		return Route{Provider: ProviderGemini, Model: geminiModel(model)}
	}
	if !creds.OpenRouter && creds.OpenAI {
		m := policy.OpenAIModel
		if bare, ok := strings.CutPrefix(model, "openai/"); ok && bare != "" {
			m = bare
		}
		if m == "" {
			m = "gpt-4o-mini"
		}
		return Route{Provider: ProviderOpenAI, Model: m}
	}
	if !creds.OpenRouter && creds.Anthropic {
		m := policy.AnthropicModel
		if bare, ok := strings.CutPrefix(model, "anthropic/"); ok && bare != "" {
			m = bare
		}
		return Route{Provider: ProviderAnthropic, Model: m}
	}
	return Route{Provider: ProviderOpenRouter, Model: model}
}

func geminiModel(model string) string {
	bare := strings.TrimPrefix(model, "google/")
	if !strings.HasPrefix(bare, "gemini") {
		return defaultGeminiModel
	}
	return bare
}

// Router 持有各供应商客户端，按 SelectRoute 的结果转发请求。
type Router struct {
	policy  Policy
	clients map[Provider]Client
}

// NewRouter 创建路由器，clients 中缺失的供应商在被选中时返回 UNAVAILABLE。
func NewRouter(policy Policy, clients map[Provider]Client) *Router {
	copied := make(map[Provider]Client, len(clients))
	for provider, client := range clients {
		if client != nil {
			copied[provider] = client
		}
	}
	return &Router{policy: policy, clients: copied}
}

// FallbackModel 返回终极回退模型。
func (r *Router) FallbackModel() string {
	return r.policy.FallbackModel
}

// Route 返回指定模型将使用的路由。
func (r *Router) Route(model string) Route {
	return SelectRoute(model, r.policy)
}

// Complete 实现 Client 接口。
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	route := r.Route(req.Model)
	client, ok := r.clients[route.Provider]
	if !ok {
		return nil, xerrors.New(xerrors.CodeProviderFailure, "未配置模型供应商 "+string(route.Provider),
			xerrors.WithMetadata("provider", string(route.Provider)))
	}
	req.Model = route.Model
	resp, err := client.Complete(ctx, req)
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "调用模型失败",
			xerrors.WithMetadata("provider", string(route.Provider)),
			xerrors.WithMetadata("model", route.Model))
	}
	if resp.Model == "" {
		resp.Model = route.Model
	}
	return resp, nil
}
