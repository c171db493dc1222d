package ai

import (
	"context"
	"fmt"
	"strings"

	"rolechat/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ChatCompleter runs single-shot completions outside any thread.
type ChatCompleter struct {
	chatModel model.BaseChatModel
}

// NewChatCompleter builds a completer for the configured analysis provider.
func NewChatCompleter(ctx context.Context, cfg *config.Config) (*ChatCompleter, error) {
	provider := strings.ToLower(cfg.Analysis.Provider)
	provCfg := cfg.Providers[provider]
	modelName := cfg.Analysis.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	token := provCfg.APIKey
	if token == "" && provider == "openai" {
		token = cfg.Assistant.APIKey
	}
	if token == "" {
		return nil, fmt.Errorf("provider %s has no api key", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  token,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: token,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
			ThinkingConfig: &genai.ThinkingConfig{
				IncludeThoughts: false,
				ThinkingBudget:  nil,
			},
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    token,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return &ChatCompleter{chatModel: chatModel}, nil
}

// NewChatCompleterWithModel wraps an existing eino model.
func NewChatCompleterWithModel(m model.BaseChatModel) *ChatCompleter {
	return &ChatCompleter{chatModel: m}
}

// CompleteChat sends one system and one user prompt and returns the answer.
func (c *ChatCompleter) CompleteChat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := []*schema.Message{
		{
			Role:    schema.System,
			Content: systemPrompt,
		},
		{
			Role:    schema.User,
			Content: userPrompt,
		},
	}
	resp, err := c.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", wrap("complete chat", err)
	}
	if resp == nil {
		return "", fmt.Errorf("complete chat: %w: empty response", ErrRemoteUnavailable)
	}
	return resp.Content, nil
}
