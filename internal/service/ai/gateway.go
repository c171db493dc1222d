package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rolechat/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// RunState is the coarse state of a remote run.
type RunState int

const (
	RunPending RunState = iota
	RunCompleted
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunStatus is the result of a single poll.
type RunStatus struct {
	State  RunState
	Reason string
}

// Gateway relays role conversations into hosted assistant threads.
// It performs no retries.
type Gateway struct {
	client      *openai.Client
	assistantID string
	rolePrefix  bool
}

func newClient(apiKey, baseURL string) *openai.Client {
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(clientCfg)
}

// NewGateway builds the gateway from the assistant section of the config.
func NewGateway(cfg config.AssistantConfig) (*Gateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assistant.api_key is required")
	}
	if cfg.AssistantID == "" {
		return nil, errors.New("assistant.assistant_id is required")
	}
	return &Gateway{
		client:      newClient(cfg.APIKey, cfg.BaseURL),
		assistantID: cfg.AssistantID,
		rolePrefix:  cfg.RolePrefix,
	}, nil
}

// CreateThread opens a new remote thread.
func (g *Gateway) CreateThread(ctx context.Context) (string, error) {
	thread, err := g.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", wrap("create thread", err)
	}
	return thread.ID, nil
}

// PostMessage appends a user message to the thread.
func (g *Gateway) PostMessage(ctx context.Context, threadID, role, text string) error {
	content := text
	if g.rolePrefix && role != "" {
		content = fmt.Sprintf("[Role: %s] %s", role, text)
	}
	_, err := g.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	return wrap("post message", err)
}

// StartRun asks the assistant to respond on the thread.
func (g *Gateway) StartRun(ctx context.Context, threadID string) (string, error) {
	run, err := g.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: g.assistantID})
	if err != nil {
		return "", wrap("start run", err)
	}
	return run.ID, nil
}

// PollRun checks the run once.
func (g *Gateway) PollRun(ctx context.Context, threadID, runID string) (RunStatus, error) {
	run, err := g.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return RunStatus{}, wrap("poll run", err)
	}
	return mapRunStatus(run), nil
}

func mapRunStatus(run openai.Run) RunStatus {
	switch run.Status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return RunStatus{State: RunPending}
	case openai.RunStatusCompleted:
		return RunStatus{State: RunCompleted}
	}
	reason := string(run.Status)
	if run.LastError != nil && run.LastError.Message != "" {
		reason = run.LastError.Message
	}
	return RunStatus{State: RunFailed, Reason: reason}
}

// LatestReply returns the text of the newest assistant message on the thread.
func (g *Gateway) LatestReply(ctx context.Context, threadID string) (string, error) {
	limit := 10
	order := "desc"
	list, err := g.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", wrap("list messages", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		return messageText(msg), nil
	}
	return "", fmt.Errorf("thread %s: %w", threadID, ErrNoReply)
}

func messageText(msg openai.Message) string {
	var parts []string
	for _, c := range msg.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}
