package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"mikuai/internal/config"
	"mikuai/internal/models"
	"mikuai/internal/service/persona"
)

const defaultMaxHistory = 40

type generateFunc func(ctx context.Context, messages []*schema.Message) (*schema.Message, error)

// Service keeps one running conversation with the configured chat model.
type Service struct {
	provider   string
	generate   generateFunc
	maxHistory int
	logger     *zap.Logger

	mu      sync.Mutex
	primer  []*schema.Message
	history []*schema.Message
}

// NewService builds the chat model for the configured provider. With web search
// enabled the model is wrapped in a ReAct agent carrying the search tool.
func NewService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	provider, provCfg, err := cfg.Provider()
	if err != nil {
		return nil, err
	}
	if provCfg.APIKey == "" {
		return nil, fmt.Errorf("api key for %s not configured", provider)
	}

	chatModel, err := newChatModel(ctx, provider, provCfg)
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	generate := func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
		return chatModel.Generate(ctx, messages)
	}

	if cfg.Assistant.WebSearch {
		if tools := agentTools(ctx, logger); len(tools) > 0 {
			agent, err := react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
			generate = func(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
				return agent.Generate(ctx, messages)
			}
		}
	}

	logger.Info("ai backend ready", zap.String("provider", provider), zap.String("model", provCfg.Model), zap.Bool("web_search", cfg.Assistant.WebSearch))
	return newService(provider, generate, cfg.Assistant.MaxHistory, logger), nil
}

func newService(provider string, generate generateFunc, maxHistory int, logger *zap.Logger) *Service {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:   provider,
		generate:   generate,
		maxHistory: maxHistory,
		logger:     logger,
	}
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// Ask sends prompt as the next user turn and returns the raw reply text.
func (s *Service) Ask(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", &models.BackendError{Provider: s.provider, Err: errors.New("prompt cannot be empty")}
	}
	user := &schema.Message{Role: schema.User, Content: prompt}

	s.mu.Lock()
	messages := make([]*schema.Message, 0, len(s.primer)+len(s.history)+1)
	messages = append(messages, s.primer...)
	messages = append(messages, s.history...)
	messages = append(messages, user)
	s.mu.Unlock()

	resp, err := s.generate(ctx, messages)
	if err != nil {
		return "", &models.BackendError{Provider: s.provider, Err: err}
	}
	if resp == nil {
		return "", &models.BackendError{Provider: s.provider, Err: errors.New("empty response")}
	}
	reply := &schema.Message{Role: schema.Assistant, Content: resp.Content}

	s.mu.Lock()
	s.history = append(s.history, user, reply)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]*schema.Message(nil), s.history[over:]...)
	}
	s.mu.Unlock()
	return resp.Content, nil
}

// Prime asks the model to adopt the persona. The exchange stays at the head
// of every later request so trimming never drops it.
func (s *Service) Prime(ctx context.Context, username string) error {
	prompt := &schema.Message{Role: schema.User, Content: persona.PersonalityPrompt(username)}
	resp, err := s.generate(ctx, []*schema.Message{prompt})
	if err != nil {
		return &models.BackendError{Provider: s.provider, Err: fmt.Errorf("prime persona: %w", err)}
	}
	if resp == nil {
		return &models.BackendError{Provider: s.provider, Err: errors.New("prime persona: empty response")}
	}
	s.mu.Lock()
	s.primer = []*schema.Message{prompt, {Role: schema.Assistant, Content: resp.Content}}
	s.mu.Unlock()
	s.logger.Debug("persona primed", zap.String("provider", s.provider), zap.String("reply", resp.Content))
	return nil
}
