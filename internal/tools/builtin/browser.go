package builtin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"gravity-claw/internal/config"
	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

const (
	navigateTimeout = 15 * time.Second
	selectorTimeout = 5 * time.Second
)

var errNoPage = errors.New("No active page. Call browser_navigate first.")

// Browser 持有进程内唯一的无头浏览器标签页，首次导航时启动。
type Browser struct {
	cfg config.BrowserConfig

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	log         *slog.Logger
}

// NewBrowser 创建浏览器工具集。
func NewBrowser(cfg config.BrowserConfig) *Browser {
	return &Browser{cfg: cfg, log: logger.Named("browser")}
}

func (b *Browser) tab(create bool) (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCtx != nil {
		return b.tabCtx, nil
	}
	if !create {
		return nil, errNoPage
	}

	var allocCtx context.Context
	if b.cfg.RemoteURL != "" {
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.cfg.Headless),
			chromedp.NoSandbox,
			chromedp.DisableGPU,
		)
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	b.tabCtx, b.tabCancel = chromedp.NewContext(allocCtx)
	b.log.Info("浏览器已启动", slog.String("remote", b.cfg.RemoteURL))
	return b.tabCtx, nil
}

// Close 关闭浏览器。
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tabCancel != nil {
		b.tabCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.tabCtx, b.tabCancel, b.allocCancel = nil, nil, nil
}

// run 在标签页上执行动作，调用方的取消会传递到浏览器。
func (b *Browser) run(ctx context.Context, create bool, timeout time.Duration, actions ...chromedp.Action) error {
	tab, err := b.tab(create)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

type navigateArgs struct {
	URL string `json:"url" jsonschema:"description=The URL to navigate to"`
}

type selectorArgs struct {
	Selector string `json:"selector" jsonschema:"description=CSS selector for the element"`
}

type typeArgs struct {
	Selector string `json:"selector" jsonschema:"description=CSS selector for the input element"`
	Text     string `json:"text" jsonschema:"description=The text to type"`
}

func failure(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

// Handlers 返回浏览器相关工具。
func (b *Browser) Handlers() []tools.Handler {
	return []tools.Handler{
		tools.Func("browser_navigate", "Navigate the headless browser to a specified URL.",
			func(ctx context.Context, args navigateArgs, _ tools.Invocation) (any, error) {
				var title string
				if err := b.run(ctx, true, navigateTimeout, chromedp.Navigate(args.URL), chromedp.Title(&title)); err != nil {
					return failure(err), nil
				}
				return map[string]any{"success": true, "title": title}, nil
			}),
		tools.Func("browser_click", "Click an element on the current page using a CSS selector.",
			func(ctx context.Context, args selectorArgs, _ tools.Invocation) (any, error) {
				err := b.run(ctx, false, selectorTimeout,
					chromedp.WaitVisible(args.Selector, chromedp.ByQuery),
					chromedp.Click(args.Selector, chromedp.ByQuery))
				if err != nil {
					return failure(err), nil
				}
				return map[string]bool{"success": true}, nil
			}),
		tools.Func("browser_type", "Type text into an input field on the current page.",
			func(ctx context.Context, args typeArgs, _ tools.Invocation) (any, error) {
				err := b.run(ctx, false, selectorTimeout,
					chromedp.WaitVisible(args.Selector, chromedp.ByQuery),
					chromedp.SendKeys(args.Selector, args.Text, chromedp.ByQuery))
				if err != nil {
					return failure(err), nil
				}
				return map[string]bool{"success": true}, nil
			}),
		tools.Func("browser_extract", "Extract text content from an element on the current page.",
			func(ctx context.Context, args selectorArgs, _ tools.Invocation) (any, error) {
				var content string
				err := b.run(ctx, false, selectorTimeout,
					chromedp.WaitVisible(args.Selector, chromedp.ByQuery),
					chromedp.Text(args.Selector, &content, chromedp.ByQuery))
				if err != nil {
					return failure(err), nil
				}
				return map[string]any{"success": true, "content": content}, nil
			}),
		tools.Func("browser_close", "Close the active browser instance to free up memory.",
			func(context.Context, tools.NoArgs, tools.Invocation) (any, error) {
				b.Close()
				return map[string]bool{"success": true}, nil
			}),
	}
}
