// Package llmtest provides a scripted llm.Invoker for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/foundry/internal/llm"
)

// Call is one recorded invocation
type Call struct {
	Prompt string
	Config llm.AgentConfig
}

// Handler decides the outcome of a call. n counts calls made so far, including this one.
type Handler func(ctx context.Context, call Call, n int) (llm.Response, error)

// Fake records every call and answers through its handler
type Fake struct {
	mu      sync.Mutex
	handler Handler
	calls   []Call
}

// New returns a fake answering with h
func New(h Handler) *Fake {
	return &Fake{handler: h}
}

// Invoke implements llm.Invoker
func (f *Fake) Invoke(ctx context.Context, prompt string, cfg llm.AgentConfig) (llm.Response, error) {
	call := Call{Prompt: prompt, Config: cfg}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	n := len(f.calls)
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return Succeed(llm.TokenUsage{})(ctx, call, n)
	}
	return h(ctx, call, n)
}

// Calls returns a copy of the recorded calls
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count is the number of calls made
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// CountFor is the number of calls made on behalf of agent
func (f *Fake) CountFor(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Config.Agent == agent {
			n++
		}
	}
	return n
}

// Succeed answers every call with a one-task reply reporting usage
func Succeed(usage llm.TokenUsage) Handler {
	return func(_ context.Context, call Call, _ int) (llm.Response, error) {
		id := call.Config.Agent
		if call.Config.Step != "" {
			id += "-" + call.Config.Step
		}
		return llm.Response{Text: Reply(id), Model: call.Config.Model, Usage: usage}, nil
	}
}

// FailAgent answers calls from agent with an error of kind and delegates the rest
func FailAgent(agent string, kind llm.Kind, next Handler) Handler {
	return func(ctx context.Context, call Call, n int) (llm.Response, error) {
		if call.Config.Agent == agent {
			return llm.Response{}, llm.Errorf(kind, "scripted %s failure for %s", kind, agent)
		}
		return next(ctx, call, n)
	}
}

type reply struct {
	Tasks     []replyTask     `json:"tasks"`
	Artifacts []replyArtifact `json:"artifacts"`
}

type replyTask struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type replyArtifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Task    string `json:"task"`
}

// Reply builds an agent reply with one task per id, each depending on the one
// before it, and one artifact per task
func Reply(ids ...string) string {
	var r reply
	for i, id := range ids {
		t := replyTask{ID: id, Type: "generated", Description: "generate " + id}
		if i > 0 {
			t.DependsOn = []string{ids[i-1]}
		}
		r.Tasks = append(r.Tasks, t)
		r.Artifacts = append(r.Artifacts, replyArtifact{
			Path:    fmt.Sprintf("out/%s.txt", id),
			Content: "content of " + id + "\n",
			Task:    id,
		})
	}
	b, _ := json.Marshal(r)
	return string(b)
}
