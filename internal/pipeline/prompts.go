package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devildev/api/internal/model"
)

const architectureSchema = `Respond with a single JSON object and nothing else:
{
  "components": [
    {
      "id": "kebab-case-id",
      "title": "Human readable name",
      "technologies": {"primary": "...", "framework": "...", "additional": ["..."]},
      "connections": ["other-component-id"],
      "dataFlow": {"sends": ["..."], "receives": ["..."]},
      "purpose": "One sentence"
    }
  ],
  "connectionLabels": {"<id-a>|<id-b>": "label, ids in ascending order"},
  "rationale": "Why the architecture is shaped this way"
}
Every id in "connections" and in "connectionLabels" keys must be the id of another component.`

const forwardSystemPrompt = `You are a software architect. Design the system architecture for the product requirement in the last message, taking the earlier conversation into account.

` + architectureSchema

const analyzeSystemPrompt = `You are a software architect reviewing an existing repository. Use the read_file and search_code tools to inspect manifests, entry points and configuration before answering. Tool calls are limited; prefer package manifests, docker and infrastructure files.

Reply with a plain-text analysis listing the runtime components you found, the technologies each uses and how they communicate.`

const synthesizeSystemPrompt = `You are a software architect. Convert the repository analysis in the last message into an architecture document.

` + architectureSchema

const summarizeSystemPrompt = `You write the first chat message shown after a repository import. In at most four sentences, summarize the architecture for the repository owner. Plain text, no markdown headings.`

const regenerateSystemPrompt = `You are a software architect maintaining an architecture document. Update the current architecture to reflect the code changes in the diff. Keep component ids stable when a component still exists.

` + architectureSchema

func forwardPrompt(requirement string, history []model.ChatMessage) Prompt {
	messages := make([]model.ChatMessage, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, model.ChatMessage{
		Role:    model.RoleUser,
		Content: "Requirement:\n" + requirement,
	})
	return Prompt{Task: TaskForward, System: forwardSystemPrompt, Messages: messages}
}

func analyzePrompt(tree string, fileCount int) Prompt {
	return Prompt{
		Task:   TaskAnalyze,
		System: analyzeSystemPrompt,
		Messages: []model.ChatMessage{{
			Role:    model.RoleUser,
			Content: fmt.Sprintf("Repository layout (%d files, filtered):\n\n%s", fileCount, tree),
		}},
	}
}

func synthesizePrompt(analysis string) Prompt {
	return Prompt{
		Task:   TaskSynthesize,
		System: synthesizeSystemPrompt,
		Messages: []model.ChatMessage{{
			Role:    model.RoleUser,
			Content: "Repository analysis:\n\n" + analysis,
		}},
	}
}

func summarizePrompt(arch *model.Architecture) Prompt {
	doc, _ := json.Marshal(arch)
	return Prompt{
		Task:   TaskSummarize,
		System: summarizeSystemPrompt,
		Messages: []model.ChatMessage{{
			Role:    model.RoleUser,
			Content: string(doc),
		}},
	}
}

// CurrentArchitectureTag delimits the current document inside a regenerate prompt.
const CurrentArchitectureTag = "current_architecture"

func regeneratePrompt(current *model.Architecture, diff string) Prompt {
	doc, _ := json.MarshalIndent(current, "", "  ")
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", CurrentArchitectureTag, doc, CurrentArchitectureTag)
	b.WriteString("Changes:\n\n")
	b.WriteString(diff)
	return Prompt{
		Task:   TaskRegenerate,
		System: regenerateSystemPrompt,
		Messages: []model.ChatMessage{{
			Role:    model.RoleUser,
			Content: b.String(),
		}},
	}
}

// DefaultSummary is used when the engine returns an empty summary.
func DefaultSummary(arch *model.Architecture) string {
	titles := make([]string, 0, len(arch.Components))
	for _, c := range arch.Components {
		if c.Title != "" {
			titles = append(titles, c.Title)
		} else {
			titles = append(titles, c.ID)
		}
	}
	return fmt.Sprintf("I imported your repository and mapped %d components: %s.\n\n%s",
		len(arch.Components), strings.Join(titles, ", "), arch.Rationale)
}
