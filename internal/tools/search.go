package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

// SearchTool fetches a page (or a search-results page for a query) and
// extracts readable content. It is also the planner's generic fallback tool.
type SearchTool struct {
	client    *http.Client
	searchURL string
	maxChars  int
}

// NewSearchTool builds the web search/fetch adapter. An empty endpoint uses
// the DuckDuckGo HTML frontend.
func NewSearchTool(client *http.Client, searchURL string) *SearchTool {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if searchURL == "" {
		searchURL = "https://html.duckduckgo.com/html/"
	}
	return &SearchTool{client: client, searchURL: searchURL, maxChars: 4000}
}

func (s *SearchTool) Name() string { return "search.web" }

func (s *SearchTool) Description() string {
	return "Search the web or fetch a page. Args: {\"query\": string} or {\"url\": string}"
}

func (s *SearchTool) Invoke(ctx context.Context, call Call) Result {
	target := StringArg(call, "url")
	if target == "" {
		query := StringArg(call, "query")
		if query == "" {
			return Failure("query or url argument is required")
		}
		target = fmt.Sprintf("%s?q=%s", s.searchURL, url.QueryEscape(query))
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return Failure("invalid url: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Failure("build request: %v", err)
	}
	req.Header.Set("User-Agent", "conductor/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return Failure("fetch %s: %v", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Failure("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return Failure("extract content: %v", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > s.maxChars {
		text = text[:s.maxChars] + "..."
	}
	return Succeed(map[string]interface{}{
		"url":     target,
		"title":   article.Title,
		"excerpt": article.Excerpt,
		"content": text,
	})
}
