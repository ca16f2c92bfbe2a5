package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// contextHeader opens every worker prompt. The placeholders are expanded
// just before the prompt is sent, so resumed sessions always see the
// current time.
const contextHeader = "Current Time: {{TIME}}\n" +
	"Current Working Directory: {{CWD}}\n" +
	"IMPORTANT: Use the current time for any date-related tasks. " +
	"Ensure all file operations are performed strictly within the Current Working Directory."

// noExpectedOutput stands in for an empty expected_output in the checker
// prompt.
const noExpectedOutput = "Not specified - use your judgment based on the objective."

// BuildWorkerPrompt assembles the per-cycle worker prompt: context header,
// task objective, the configured user prompt, and the current input
// payload, separated by blank lines.
func BuildWorkerPrompt(cfg *WorkerConfig, task *TaskDefinition, input map[string]any) string {
	sections := []string{contextHeader}

	if obj := strings.TrimSpace(task.Objective); obj != "" {
		sections = append(sections, obj)
	}
	if user := strings.TrimSpace(cfg.Prompt.User); user != "" {
		sections = append(sections, user)
	}
	if len(input) > 0 {
		if payload, err := json.MarshalIndent(input, "", "  "); err == nil {
			sections = append(sections, "Input:\n"+string(payload))
		}
	}

	text := strings.TrimSpace(strings.Join(sections, "\n\n"))
	if text == "" {
		return " "
	}
	return text
}

// BuildCheckerPrompt assembles the checker's user prompt from the task and
// the worker's claimed output. The checker's system prompt comes from its
// own config; this is only the per-cycle part.
func BuildCheckerPrompt(task *TaskDefinition, result *WorkerResult) string {
	output := result.Text
	var parsed any
	if err := json.Unmarshal([]byte(result.Text), &parsed); err == nil {
		if obj, ok := parsed.(map[string]any); ok {
			if pretty, err := json.MarshalIndent(obj, "", "  "); err == nil {
				output = string(pretty)
			}
		}
	}

	expected := noExpectedOutput
	if len(task.ExpectedOutput) > 0 {
		if b, err := json.MarshalIndent(task.ExpectedOutput, "", "  "); err == nil {
			expected = string(b)
		}
	}

	reported := result.Error
	if reported == "" {
		reported = "None"
	}

	return fmt.Sprintf(`# Task Objective
%s

# Expected Outcome
%s

# Worker's Claimed Output
%s

Error reported: %s

Please verify the Worker's claims using available tools and render your verdict as JSON.`,
		task.Objective, expected, output, reported)
}

// expandPlaceholders substitutes {{TIME}} and {{CWD}} in a prompt.
func expandPlaceholders(prompt, cwd string) string {
	now := time.Now().UTC().Format("2006-01-02 15:04 UTC")
	prompt = strings.ReplaceAll(prompt, "{{TIME}}", now)
	return strings.ReplaceAll(prompt, "{{CWD}}", cwd)
}
