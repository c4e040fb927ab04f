package agent

import (
	"encoding/json"
	"strings"

	"github.com/felixgeelhaar/foundry/internal/errors"
	"github.com/felixgeelhaar/foundry/internal/task"
)

// ReplyTask is a unit of work an agent reports
type ReplyTask struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
}

// Artifact is a file an agent produced
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Task    string `json:"task,omitempty"`
}

// Reply is a parsed agent answer
type Reply struct {
	Tasks     []ReplyTask `json:"tasks"`
	Artifacts []Artifact  `json:"artifacts"`
}

// ParseReply reads a model answer. Code fences and prose around the JSON object are
// tolerated; anything unreadable is an LLMFatal error since asking again with the
// same prompt is not expected to help.
func ParseReply(text string) (Reply, error) {
	body := cleanJSONResponse(text)
	if body == "" {
		return Reply{}, errors.New(errors.ErrCodeLLMFatal, "reply contains no JSON object")
	}

	var r Reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Reply{}, errors.Wrap(errors.ErrCodeLLMFatal, "decode reply", err)
	}
	if err := r.validate(); err != nil {
		return Reply{}, err
	}
	return r, nil
}

func (r *Reply) validate() error {
	if len(r.Tasks) == 0 {
		return errors.New(errors.ErrCodeLLMFatal, "reply lists no tasks")
	}

	seen := make(map[string]bool, len(r.Tasks))
	for i := range r.Tasks {
		t := &r.Tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		if err := task.ValidateID(t.ID); err != nil {
			return errors.Wrap(errors.ErrCodeLLMFatal, "reply task id", err)
		}
		if seen[t.ID] {
			return errors.Newf(errors.ErrCodeLLMFatal, "reply repeats task %q", t.ID)
		}
		seen[t.ID] = true
		if strings.TrimSpace(t.Type) == "" {
			t.Type = "generated"
		}
		t.DependsOn = dedupe(t.DependsOn)
	}

	for _, a := range r.Artifacts {
		if strings.TrimSpace(a.Path) == "" {
			return errors.New(errors.ErrCodeLLMFatal, "reply artifact has no path")
		}
		if a.Task != "" && !seen[a.Task] {
			return errors.Newf(errors.ErrCodeLLMFatal, "artifact %s names unknown task %q", a.Path, a.Task)
		}
	}
	return nil
}

// Ordered returns the tasks so that every task follows the reply tasks it depends
// on, keeping reply order otherwise. Dependencies outside the reply do not affect
// the order. A cycle is an LLMFatal error.
func (r Reply) Ordered() ([]ReplyTask, error) {
	index := make(map[string]int, len(r.Tasks))
	for i, t := range r.Tasks {
		index[t.ID] = i
	}

	indegree := make([]int, len(r.Tasks))
	dependants := make([][]int, len(r.Tasks))
	for i, t := range r.Tasks {
		for _, d := range t.DependsOn {
			j, ok := index[d]
			if !ok {
				continue
			}
			if j == i {
				return nil, errors.Newf(errors.ErrCodeLLMFatal, "task %q depends on itself", t.ID)
			}
			indegree[i]++
			dependants[j] = append(dependants[j], i)
		}
	}

	out := make([]ReplyTask, 0, len(r.Tasks))
	done := make([]bool, len(r.Tasks))
	for len(out) < len(r.Tasks) {
		progressed := false
		for i := range r.Tasks {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			progressed = true
			out = append(out, r.Tasks[i])
			for _, k := range dependants[i] {
				indegree[k]--
			}
			break
		}
		if !progressed {
			var stuck []string
			for i, t := range r.Tasks {
				if !done[i] {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, errors.Newf(errors.ErrCodeLLMFatal, "reply tasks form a dependency cycle: %s", strings.Join(stuck, ", "))
		}
	}
	return out, nil
}

// ArtifactsFor returns the artifacts attributed to taskID
func (r Reply) ArtifactsFor(taskID string) []Artifact {
	var out []Artifact
	for _, a := range r.Artifacts {
		if a.Task == taskID {
			out = append(out, a)
		}
	}
	return out
}

// cleanJSONResponse strips markdown fences and surrounding prose
func cleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}

func dedupe(ids []string) []string {
	out := ids[:0]
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
