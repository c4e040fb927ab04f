package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/felixgeelhaar/foundry/internal/job"
)

// PromptForVision asks for a product vision in a multi-line text field
func PromptForVision(ctx context.Context, in io.Reader, out io.Writer) (string, error) {
	var vision string

	text := huh.NewText().
		Title("What should foundry build?").
		Description("Describe the product in a few sentences. Submit with alt+enter.").
		Placeholder("A habit tracker with daily streaks and reminder emails").
		CharLimit(job.MaxVisionLength).
		Lines(6).
		Validate(ValidateVision).
		Value(&vision)

	form := huh.NewForm(huh.NewGroup(text)).WithInput(in).WithOutput(out)
	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return strings.TrimSpace(vision), nil
}

// ValidateVision rejects visions the job registry would refuse
func ValidateVision(s string) error {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return fmt.Errorf("vision is required")
	case len(s) > job.MaxVisionLength:
		return fmt.Errorf("vision is longer than %d bytes", job.MaxVisionLength)
	}
	return nil
}

// IsInteractive returns true if stdin is a terminal (not piped)
func IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// ShouldPrompt returns true if prompts should be shown based on environment.
// Prompts are disabled in CI environments or when stdin is not a terminal.
func ShouldPrompt() bool {
	for _, envVar := range []string{
		"CI",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"JENKINS_URL",
		"BUILDKITE",
	} {
		if os.Getenv(envVar) != "" {
			return false
		}
	}
	return IsInteractive()
}
