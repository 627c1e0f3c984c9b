package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	xerrors "gravity-claw/internal/errors"
)

// Copywriter 根据可比记录起草短信与邮件。
type Copywriter interface {
	Draft(ctx context.Context, comps []CompEntry, price float64, address string) (Drafts, error)
}

// Persona 描述文案中使用的经纪人身份。
type Persona struct {
	BrokerName    string
	BrokerTitle   string
	BrokerageName string
}

func (p Persona) withDefaults() Persona {
	if p.BrokerName == "" {
		p.BrokerName = "Glenn Fitzgerald"
	}
	if p.BrokerTitle == "" {
		p.BrokerTitle = "Associate Broker"
	}
	if p.BrokerageName == "" {
		p.BrokerageName = "United Real Estate Hudson Valley Edge"
	}
	return p
}

// EmailSubject 返回邮件草稿必须包含的主题行。
func EmailSubject(address string) string {
	return "Subject: Custom Equity & Pricing Strategy for " + address
}

// ContentGenerator 是 genai Models 服务的最小子集。
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAICopywriter 使用 Gemini 以零温度生成 JSON 文案。
type GenAICopywriter struct {
	models  ContentGenerator
	model   string
	persona Persona
}

// NewGenAICopywriter 使用 API key 创建 Gemini 文案生成器。
func NewGenAICopywriter(ctx context.Context, apiKey, model string, persona Persona) (*GenAICopywriter, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, xerrors.New(xerrors.CodeUnavailable, "未配置 Gemini API Key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "创建 Gemini 客户端失败")
	}
	return NewGenAICopywriterWithModels(client.Models, model, persona), nil
}

// NewGenAICopywriterWithModels 使用现有的生成服务创建文案生成器。
func NewGenAICopywriterWithModels(models ContentGenerator, model string, persona Persona) *GenAICopywriter {
	if model == "" {
		model = "gemini-2.5-pro"
	}
	return &GenAICopywriter{models: models, model: model, persona: persona.withDefaults()}
}

// Draft 实现 Copywriter。
func (c *GenAICopywriter) Draft(ctx context.Context, comps []CompEntry, price float64, address string) (Drafts, error) {
	prompt, err := c.prompt(comps, price, address)
	if err != nil {
		return Drafts{}, err
	}
	resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Drafts{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "生成文案失败")
	}
	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return Drafts{}, xerrors.New(xerrors.CodeProviderFailure, "文案模型返回空内容")
	}
	raw = stripCodeFence(raw)

	var drafts Drafts
	if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
		return Drafts{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "解析文案 JSON 失败")
	}
	if drafts.MMSDraft == "" && drafts.EmailDraft == "" {
		return Drafts{}, xerrors.New(xerrors.CodeProviderFailure, "文案模型未返回草稿")
	}
	return drafts, nil
}

func (c *GenAICopywriter) prompt(comps []CompEntry, price float64, address string) (string, error) {
	encoded, err := json.MarshalIndent(comps, "    ", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化可比记录失败: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are the \"V.P. of Communications\" acting as %s, %s at %s.\n", c.persona.BrokerName, c.persona.BrokerTitle, c.persona.BrokerageName)
	b.WriteString("You must draft an SMS (MMS format to go with an image) and an Email.\n\n")
	b.WriteString("TONE AND BRAND VOICE (STRICT ENFORCEMENT):\n")
	b.WriteString("- Direct, unapologetic, authoritative.\n")
	b.WriteString("- Never apologize.\n")
	b.WriteString("- Never use the word 'estimate'; use 'Target Pricing Strategy'.\n")
	b.WriteString("- Explicitly state that you have overridden the generic algorithms.\n\n")
	b.WriteString("DATA INJECTION (You MUST reference strictly these facts and zero others. Calculate the Feature Delta):\n")
	fmt.Fprintf(&b, "Subject Address: %s\n", address)
	fmt.Fprintf(&b, "Target Price: $%s\n", formatAmount(price))
	fmt.Fprintf(&b, "Verified Comps:\n    %s\n\n", encoded)
	b.WriteString("PAYLOAD SYNTAX:\n")
	b.WriteString("Return strictly a JSON object with two keys: \"mmsDraft\" and \"emailDraft\".\n")
	fmt.Fprintf(&b, "In the email draft, include the exact subject line \"%s\".\n", EmailSubject(address))
	b.WriteString("Leave placeholders like [CloudCMA_Homebeat_Link] or [First Name] exactly as they are.\n")
	b.WriteString("Do not output markdown code blocks. Just valid JSON.\n")
	return b.String(), nil
}

func stripCodeFence(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

// TemplateCopywriter 只使用传入的数字生成确定性的文案。
type TemplateCopywriter struct {
	Persona Persona
}

// Draft 实现 Copywriter。
func (t TemplateCopywriter) Draft(ctx context.Context, comps []CompEntry, price float64, address string) (Drafts, error) {
	if err := ctx.Err(); err != nil {
		return Drafts{}, err
	}
	persona := t.Persona.withDefaults()

	var mms strings.Builder
	fmt.Fprintf(&mms, "[First Name], this is %s. I have overridden the generic algorithms on %s. ", persona.BrokerName, address)
	fmt.Fprintf(&mms, "Target Pricing Strategy: $%s, anchored by verified sales", formatAmount(price))
	for i, comp := range comps {
		sep := ", "
		if i == 0 {
			sep = ": "
		}
		fmt.Fprintf(&mms, "%s%s at $%s", sep, comp.Address, formatAmount(comp.Price))
	}
	mms.WriteString(". Full breakdown: [CloudCMA_Homebeat_Link]")

	var email strings.Builder
	email.WriteString(EmailSubject(address))
	email.WriteString("\n\n[First Name],\n\n")
	fmt.Fprintf(&email, "The generic algorithms do not know %s. I have overridden them. ", address)
	fmt.Fprintf(&email, "Our Target Pricing Strategy is $%s.\n\n", formatAmount(price))
	if len(comps) > 0 {
		email.WriteString("The verified comparable sales:\n")
		for _, comp := range comps {
			fmt.Fprintf(&email, "- %s: $%s, %s sqft, %s acres\n",
				comp.Address, formatAmount(comp.Price), formatNumber(comp.Sqft), formatNumber(comp.LotAcres))
		}
		email.WriteString("\n")
	}
	email.WriteString("Live equity tracking: [CloudCMA_Homebeat_Link]\n\n")
	fmt.Fprintf(&email, "%s\n%s, %s", persona.BrokerName, persona.BrokerTitle, persona.BrokerageName)

	return Drafts{MMSDraft: mms.String(), EmailDraft: email.String()}, nil
}
