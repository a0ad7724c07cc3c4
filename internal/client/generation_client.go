package client

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"

	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/pipeline"
)

var toolDescriptions = map[string]string{
	pipeline.ToolReadFile:   "Reads a file of the repository under review. Large files are truncated.",
	pipeline.ToolSearchCode: "Searches the repository for a literal string and returns matching lines with their paths.",
}

// GenerationClient implements pipeline.Engine. Plain completions go
// straight to the chat model; tool-augmented ones run a ReAct agent on it.
type GenerationClient struct {
	llm *LLMClient
}

// NewGenerationClient builds the chat model from the generation settings
func NewGenerationClient(ctx context.Context, cfg *config.GenerationConfig) (*GenerationClient, error) {
	llm, err := NewLLMClient(ctx, cfg)
	if err != nil {
		log.Printf("Error creating tool-calling model: %v", err)
		return nil, err
	}
	return &GenerationClient{llm: llm}, nil
}

// Complete runs a single completion
func (g *GenerationClient) Complete(ctx context.Context, p pipeline.Prompt) (string, error) {
	return g.llm.ChatCompletion(ctx, p.System, p.Messages)
}

// CompleteWithTools lets the model call the toolbox until it answers. The
// toolbox enforces the call budget; MaxStep only bounds the loop.
func (g *GenerationClient) CompleteWithTools(ctx context.Context, p pipeline.Prompt, tb *pipeline.Toolbox) (string, error) {
	if tb == nil || tb.MaxCalls() == 0 {
		return g.Complete(ctx, p)
	}

	tools, err := BuildTools(tb)
	if err != nil {
		return "", err
	}

	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: g.llm.chat,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
		MaxStep: 2*tb.MaxCalls() + 2,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}

	msg, err := agent.Generate(ctx, toSchemaMessages(p.System, p.Messages))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		log.Printf("agent %s failed after %d tool call(s): %v", p.Task, tb.Calls(), err)
		var apiErr *APIError
		if err := providerError(err); errors.As(err, &apiErr) {
			return "", fmt.Errorf("agent: %w", apiErr)
		}
		return "", pipeline.Transient(fmt.Errorf("agent: %w", err))
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// BuildTools registers the toolbox's tools with eino.
func BuildTools(tb *pipeline.Toolbox) ([]tool.BaseTool, error) {
	var out []tool.BaseTool
	for _, name := range tb.Names() {
		var (
			t   tool.InvokableTool
			err error
		)
		switch name {
		case pipeline.ToolReadFile:
			t, err = utils.InferTool(name, toolDescriptions[name], tb.ReadFile)
		case pipeline.ToolSearchCode:
			t, err = utils.InferTool(name, toolDescriptions[name], tb.SearchCode)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}
