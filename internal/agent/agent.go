// Package agent defines the per-phase agents of the pipeline: what each one is
// asked, in how many steps, and how its replies are read back.
package agent

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/felixgeelhaar/foundry/internal/workflow"
)

// Step is one model call an agent makes within its phase
type Step struct {
	Name string
	Goal string
}

// Agent owns one work phase
type Agent struct {
	Name  string
	Phase workflow.Phase
	Role  string
	Steps []Step
}

var catalog = []Agent{
	{
		Name:  "meta",
		Phase: workflow.PhaseMeta,
		Role:  "You are a product lead. You turn a rough idea into a crisp project brief.",
		Steps: []Step{{
			Name: "brief",
			Goal: "Write a project brief: name, audience, core value, scope boundaries and open questions.",
		}},
	},
	{
		Name:  "requirements",
		Phase: workflow.PhaseRequirements,
		Role:  "You are a requirements analyst. You write testable functional and non-functional requirements.",
		Steps: []Step{{
			Name: "requirements",
			Goal: "List the functional requirements as user stories with acceptance criteria, then the non-functional requirements.",
		}},
	},
	{
		Name:  "design",
		Phase: workflow.PhaseDesign,
		Role:  "You are a software designer. You model domains, data and interfaces.",
		Steps: []Step{{
			Name: "design",
			Goal: "Describe the domain model, the data schema and the external interfaces (API endpoints and payloads).",
		}},
	},
	{
		Name:  "architecture",
		Phase: workflow.PhaseArchitecture,
		Role:  "You are a software architect. You choose components, boundaries and technology.",
		Steps: []Step{{
			Name: "architecture",
			Goal: "Define the component layout, technology choices, directory structure and deployment shape.",
		}},
	},
	{
		Name:  "development",
		Phase: workflow.PhaseDevelopment,
		Role:  "You are a senior backend engineer. You write complete, working source files.",
		Steps: []Step{
			{
				Name: "scaffold",
				Goal: "Create the project skeleton: build files, configuration, entry point and empty packages from the architecture.",
			},
			{
				Name: "implement",
				Goal: "Implement the backend: domain logic, persistence and API handlers, with unit tests.",
			},
		},
	},
	{
		Name:  "frontend",
		Phase: workflow.PhaseFrontend,
		Role:  "You are a frontend engineer. You build small, accessible web user interfaces.",
		Steps: []Step{{
			Name: "frontend",
			Goal: "Build the user interface that consumes the API: pages, components and API client.",
		}},
	},
}

// Catalog returns every agent in pipeline order
func Catalog() []Agent {
	return append([]Agent(nil), catalog...)
}

// For returns the agent owning phase
func For(phase workflow.Phase) (Agent, bool) {
	for _, a := range catalog {
		if a.Phase == phase {
			return a, true
		}
	}
	return Agent{}, false
}

// TotalSteps is the number of model calls a full pipeline run makes
func TotalSteps() int {
	n := 0
	for _, a := range catalog {
		n += len(a.Steps)
	}
	return n
}

// Input is what a prompt is rendered from
type Input struct {
	Vision string
	Step   Step
	// Prior lists the artifacts earlier phases and steps produced
	Prior []Artifact
}

// maxPriorBytes bounds how much earlier output is quoted back into a prompt
const maxPriorBytes = 24 * 1024

var promptTemplate = template.Must(template.New("prompt").Parse(`# Vision
{{ .Vision }}

# Phase
{{ .Phase }}: {{ .Goal }}
{{ if .Prior }}
# Work so far
{{ range .Prior }}
## {{ .Path }}
{{ .Content }}
{{ end }}{{ end }}
# Reply format
Reply with one JSON object and nothing else:
{"tasks": [{"id": "...", "type": "...", "description": "...", "depends_on": ["..."]}],
 "artifacts": [{"path": "relative/path", "content": "...", "task": "task id"}]}
Task ids are short, lowercase and unique within this reply. depends_on may name tasks from this reply.
Artifact paths are relative to the project root and must not leave it.
`))

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Prompt renders the user prompt for one step
func (a Agent) Prompt(in Input) (string, error) {
	prior := make([]Artifact, 0, len(in.Prior))
	budget := maxPriorBytes
	for _, art := range in.Prior {
		if budget <= 0 {
			prior = append(prior, Artifact{Path: art.Path, Content: "(omitted)"})
			continue
		}
		content := art.Content
		if len(content) > budget {
			content = truncateUTF8(content, budget) + "\n…(truncated)"
		}
		budget -= len(content)
		prior = append(prior, Artifact{Path: art.Path, Content: strings.TrimSpace(content)})
	}

	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, struct {
		Vision string
		Phase  workflow.Phase
		Goal   string
		Prior  []Artifact
	}{
		Vision: strings.TrimSpace(in.Vision),
		Phase:  a.Phase,
		Goal:   in.Step.Goal,
		Prior:  prior,
	})
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", a.Name, err)
	}
	return buf.String(), nil
}

// System is the system prompt for the agent
func (a Agent) System() string {
	return a.Role + " Reply with JSON only."
}
