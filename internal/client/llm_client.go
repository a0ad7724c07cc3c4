package client

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/model"
)

// LLMClient talks to an OpenAI-compatible chat completions API
type LLMClient struct {
	chat *openai.ChatModel
}

// APIError is a failed answer from the provider
type APIError struct {
	Status int
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm API error (status %d): %v", e.Status, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode lets the pipeline classify provider failures.
func (e *APIError) StatusCode() int { return e.Status }

// NewLLMClient creates a new chat completions client
func NewLLMClient(ctx context.Context, cfg *config.GenerationConfig) (*LLMClient, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	temperature := float32(0.2)
	maxTokens := 4096

	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Timeout:     timeout,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return &LLMClient{chat: chat}, nil
}

// ChatCompletion sends the conversation and returns the reply
func (c *LLMClient) ChatCompletion(ctx context.Context, system string, history []model.ChatMessage) (string, error) {
	msg, err := c.chat.Generate(ctx, toSchemaMessages(system, history))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("chat completion: %w", providerError(err))
	}
	if msg == nil {
		return "", fmt.Errorf("no choices in response")
	}
	return msg.Content, nil
}

var statusInText = regexp.MustCompile(`status code: (\d{3})`)

// providerError attaches the HTTP status of a provider failure so it is
// classified like any other status-carrying error. Errors without a status
// are returned as they are.
func providerError(err error) error {
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	status := 0
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// the agent graph may keep only the text of a node error
		if m := statusInText.FindStringSubmatch(err.Error()); m != nil {
			status, _ = strconv.Atoi(m[1])
		}
	}
	if status == 0 {
		return err
	}
	return &APIError{Status: status, Err: err}
}

func toSchemaMessages(system string, history []model.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)
	if system != "" {
		out = append(out, schema.SystemMessage(system))
	}
	for _, m := range history {
		switch m.Role {
		case model.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		case model.RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}
