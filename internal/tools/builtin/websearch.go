package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"gravity-claw/internal/tools"
	"gravity-claw/pkg/logger"
)

const (
	defaultSearchURL = "https://html.duckduckgo.com/html/"
	searchResults    = 4
	searchUserAgent  = "Mozilla/5.0 (compatible; GravityClaw/1.0)"
)

// SearchResult 是一条网页搜索结果。
type SearchResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"description=The search query to search duckduckgo for."`
}

// WebSearch 查询 DuckDuckGo HTML 页面并返回前 4 条结果。
func WebSearch(endpoint string, client *http.Client) tools.Handler {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultSearchURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	log := logger.Named("websearch")
	return tools.Func("search_web",
		"Search the live internet for up-to-date real world information and news. Use this to break out of your training data constraints.",
		func(ctx context.Context, args webSearchArgs, _ tools.Invocation) (any, error) {
			results, err := searchDuckDuckGo(ctx, client, endpoint, args.Query)
			if err != nil {
				log.Warn("网页搜索失败", slog.String("query", args.Query), slog.Any("error", err))
				return nil, errors.New("Failed to search the web.")
			}
			return map[string][]SearchResult{"results": results}, nil
		})
}

func searchDuckDuckGo(ctx context.Context, client *http.Client, endpoint, query string) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query 不能为空")
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	params := target.Query()
	params.Set("q", query)
	target.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", searchUserAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("搜索服务返回状态码 %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, searchResults)
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		link := s.Find(".result__a").First()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return true
		}
		href, _ := link.Attr("href")
		results = append(results, SearchResult{
			Title:       title,
			Description: strings.TrimSpace(s.Find(".result__snippet").First().Text()),
			URL:         decodeRedirect(href),
		})
		return len(results) < searchResults
	})
	return results, nil
}

// decodeRedirect 还原 DuckDuckGo 跳转链接中的真实地址。
func decodeRedirect(href string) string {
	if !strings.Contains(href, "uddg=") {
		return href
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
