package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"gravity-claw/pkg/logger"
)

const (
	assetSubdir  = "willow"
	assetURLBase = "/assets/" + assetSubdir + "/"

	renderWidth  = 1080
	renderHeight = 1920
)

// Renderer 生成信息图并返回可访问的 URL。
type Renderer interface {
	Render(ctx context.Context, comps []CompEntry, price float64, address string) (string, error)
}

// Branding 是信息图上的经纪人信息。
type Branding struct {
	BrokerName    string
	BrokerTitle   string
	BackgroundURL string
	HeadshotURL   string
}

func (b Branding) withDefaults() Branding {
	if b.BrokerName == "" {
		b.BrokerName = "Glenn Fitzgerald"
	}
	if b.BrokerTitle == "" {
		b.BrokerTitle = "Chairman & Human Oracle"
	}
	if b.BackgroundURL == "" {
		b.BackgroundURL = "https://images.unsplash.com/photo-1600596542815-ffad4c1539a9?ixlib=rb-4.0.3&auto=format&fit=crop&w=1080&q=80"
	}
	if b.HeadshotURL == "" {
		b.HeadshotURL = "https://ui-avatars.com/api/?name=" + template.URLQueryEscaper(b.BrokerName) + "&background=random&size=200"
	}
	return b
}

var infographicTemplate = template.Must(template.New("infographic").Funcs(template.FuncMap{
	"money":  formatAmount,
	"number": formatNumber,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<style>
body { margin: 0; padding: 0; width: {{.Width}}px; height: {{.Height}}px; background-image: url('{{.Brand.BackgroundURL}}'); background-size: cover; background-position: center; font-family: 'Inter', sans-serif; display: flex; flex-direction: column; justify-content: center; align-items: center; }
.glass-card { background: rgba(25, 25, 25, 0.4); backdrop-filter: blur(25px); border: 1px solid rgba(255, 255, 255, 0.2); border-radius: 40px; padding: 80px; width: 85%; color: white; box-shadow: 0 30px 60px rgba(0, 0, 0, 0.5); }
.header-info { text-align: center; margin-bottom: 60px; }
.address { font-size: 50px; font-weight: 500; letter-spacing: 2px; color: #aaa; text-transform: uppercase; }
.target-price { font-size: 160px; font-weight: 800; margin: 20px 0; }
.label { font-size: 40px; font-weight: 600; color: #4ade80; text-transform: uppercase; letter-spacing: 4px; }
.comps-list { margin-top: 60px; border-top: 2px solid rgba(255, 255, 255, 0.1); padding-top: 60px; }
.comp-item { display: flex; justify-content: space-between; align-items: center; margin-bottom: 40px; }
.comp-address { font-size: 45px; font-weight: 600; }
.comp-details { font-size: 35px; color: #bbb; margin-top: 10px; }
.comp-price { font-size: 55px; font-weight: 700; }
.footer { position: absolute; bottom: 80px; display: flex; align-items: center; gap: 30px; background: rgba(0,0,0,0.6); padding: 30px 60px; border-radius: 100px; }
.headshot { width: 120px; height: 120px; border-radius: 50%; border: 3px solid white; object-fit: cover; }
.agent-info h2 { margin: 0; font-size: 40px; color: white; }
.agent-info p { margin: 10px 0 0 0; font-size: 30px; color: #aaa; }
</style>
</head>
<body>
<div class="glass-card">
  <div class="header-info">
    <div class="address">{{.Address}}</div>
    <div class="target-price">${{money .Price}}</div>
    <div class="label">Target Execution Price</div>
  </div>
  <div class="comps-list">
  {{- range .Comps}}
    <div class="comp-item">
      <div>
        <div class="comp-address">{{.Address}}</div>
        <div class="comp-details">{{number .Sqft}} SQFT | {{number .LotAcres}} Acres</div>
      </div>
      <div class="comp-price">${{money .Price}}</div>
    </div>
  {{- end}}
  </div>
</div>
<div class="footer">
  <img class="headshot" src="{{.Brand.HeadshotURL}}" alt="{{.Brand.BrokerName}}">
  <div class="agent-info">
    <h2>{{.Brand.BrokerName}}</h2>
    <p>{{.Brand.BrokerTitle}}</p>
  </div>
</div>
</body>
</html>
`))

// RenderHTML 生成信息图的 HTML 文本。
func RenderHTML(comps []CompEntry, price float64, address string, brand Branding) ([]byte, error) {
	var buf bytes.Buffer
	err := infographicTemplate.Execute(&buf, map[string]any{
		"Width":   renderWidth,
		"Height":  renderHeight,
		"Address": address,
		"Price":   price,
		"Comps":   comps,
		"Brand":   brand.withDefaults(),
	})
	if err != nil {
		return nil, fmt.Errorf("渲染信息图模板失败: %w", err)
	}
	return buf.Bytes(), nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func assetName(address, ext string, now time.Time) string {
	base := unsafeFileChars.ReplaceAllString(address, "_")
	if base == "" {
		base = "asset"
	}
	return fmt.Sprintf("infographic_%d_%s%s", now.UnixMilli(), base, ext)
}

func writeAsset(dir, name string, data []byte) error {
	target := filepath.Join(dir, assetSubdir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("创建资源目录失败: %w", err)
	}
	if err := os.WriteFile(filepath.Join(target, name), data, 0o644); err != nil {
		return fmt.Errorf("写入资源文件失败: %w", err)
	}
	return nil
}

// HTMLRenderer 只写出 HTML 文件，用于未启用浏览器的环境。
type HTMLRenderer struct {
	Dir   string
	Brand Branding
	Now   func() time.Time
}

// Render 实现 Renderer。
func (r *HTMLRenderer) Render(ctx context.Context, comps []CompEntry, price float64, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := RenderHTML(comps, price, address, r.Brand)
	if err != nil {
		return "", err
	}
	name := assetName(address, ".html", nowFunc(r.Now)())
	if err := writeAsset(r.Dir, name, html); err != nil {
		return "", err
	}
	return assetURLBase + name, nil
}

// ChromeRenderer 通过 chromedp 将信息图截图为 PNG。
type ChromeRenderer struct {
	Dir       string
	Brand     Branding
	RemoteURL string
	Now       func() time.Time
}

// Render 实现 Renderer。
func (r *ChromeRenderer) Render(ctx context.Context, comps []CompEntry, price float64, address string) (string, error) {
	html, err := RenderHTML(comps, price, address, r.Brand)
	if err != nil {
		return "", err
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if r.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, r.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.NoSandbox, chromedp.DisableGPU)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	defer allocCancel()
	tabCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var shot []byte
	err = chromedp.Run(tabCtx,
		chromedp.EmulateViewport(renderWidth, renderHeight),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, string(html)).Do(ctx)
		}),
		chromedp.WaitReady("body"),
		chromedp.FullScreenshot(&shot, 100),
	)
	if err != nil {
		return "", fmt.Errorf("浏览器截图失败: %w", err)
	}

	name := assetName(address, ".png", nowFunc(r.Now)())
	if err := writeAsset(r.Dir, name, shot); err != nil {
		return "", err
	}
	logger.Named("render").Info("信息图已生成", slog.String("file", name), slog.Int("bytes", len(shot)))
	return assetURLBase + name, nil
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
