package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Echo is an offline invoker for dry runs. It answers every call with a single
// task and a markdown artifact restating the prompt, in the reply format the
// agents parse, and reports usage estimated from text length.
type Echo struct{}

type echoReply struct {
	Tasks     []echoTask     `json:"tasks"`
	Artifacts []echoArtifact `json:"artifacts"`
}

type echoTask struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
}

type echoArtifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Task    string `json:"task"`
}

// Invoke implements Invoker
func (Echo) Invoke(ctx context.Context, prompt string, cfg AgentConfig) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	name := cfg.Agent
	if cfg.Step != "" {
		name += "-" + cfg.Step
	}
	if name == "" {
		name = "echo"
	}

	reply := echoReply{
		Tasks: []echoTask{{
			ID:          name,
			Type:        "echo",
			Description: fmt.Sprintf("%s output for a %d character prompt", name, len(prompt)),
			DependsOn:   []string{},
		}},
		Artifacts: []echoArtifact{{
			Path:    fmt.Sprintf("docs/%s.md", name),
			Content: "# " + name + "\n\n" + strings.TrimSpace(prompt) + "\n",
			Task:    name,
		}},
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return Response{}, NewError(KindFatal, err)
	}

	return Response{
		Text:  string(body),
		Model: "echo",
		Usage: TokenUsage{
			PromptTokens:     (len(prompt) + 3) / 4,
			CompletionTokens: (len(body) + 3) / 4,
		},
	}, nil
}
