package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

const webSearchToolName = "web_search"

// searchProvider is one backend behind the web_search tool, tried in order.
type searchProvider struct {
	name string
	tool tool.InvokableTool
}

type webSearchTool struct {
	providers  []searchProvider
	httpClient *http.Client
	limiter    *toolRateLimiter
	logger     *zap.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

// agentTools returns the tools handed to the ReAct agent. The slice is empty
// when no search provider could be built.
func agentTools(ctx context.Context, logger *zap.Logger) []tool.BaseTool {
	providers := searchProviders(ctx, logger)
	if len(providers) == 0 {
		logger.Warn("web search disabled: no search provider available")
		return nil
	}
	ws := &webSearchTool{
		providers:  providers,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
		logger:     logger,
	}
	return []tool.BaseTool{ws.invokable()}
}

func (w *webSearchTool) invokable() tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: webSearchToolName,
		Desc: "Look up current information on the web. Pass a URL to read that page instead of searching.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Search terms or an http(s) URL",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, w.run)
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil || strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query is required")
	}
	query := strings.TrimSpace(params.Query)
	if w.limiter != nil && !w.limiter.Allow(webSearchToolName) {
		return "", errors.New("too many web searches, try again in a minute")
	}

	if looksLikeURL(query) {
		text, err := fetchPage(ctx, w.httpClient, query)
		if err == nil {
			return text, nil
		}
		w.logger.Debug("fetch page failed, searching instead", zap.String("url", query), zap.Error(err))
	}

	args, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("encode search query: %w", err)
	}
	var errs []error
	for _, p := range w.providers {
		result, err := p.tool.InvokableRun(ctx, string(args))
		if err == nil {
			return result, nil
		}
		w.logger.Debug("search provider failed", zap.String("provider", p.name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
	}
	if len(errs) == 0 {
		return "", errors.New("no search provider configured")
	}
	return "", fmt.Errorf("web search failed: %w", errors.Join(errs...))
}

// searchProviders builds Google Custom Search (when GOOGLE_API_KEY and
// GOOGLE_SEARCH_ENGINE_ID are set) followed by DuckDuckGo.
func searchProviders(ctx context.Context, logger *zap.Logger) []searchProvider {
	var out []searchProvider

	apiKey, engineID := os.Getenv("GOOGLE_API_KEY"), os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if apiKey != "" && engineID != "" {
		g, err := googlesearch.NewTool(ctx, &googlesearch.Config{
			ToolName:       "google_search",
			APIKey:         apiKey,
			SearchEngineID: engineID,
			Lang:           "en",
			Num:            5,
		})
		if err != nil {
			logger.Warn("google search unavailable", zap.Error(err))
		} else {
			out = append(out, searchProvider{name: "google", tool: g})
		}
	}

	d, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "duckduckgo_search",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		logger.Warn("duckduckgo search unavailable", zap.Error(err))
	} else {
		out = append(out, searchProvider{name: "duckduckgo", tool: d})
	}
	return out
}
