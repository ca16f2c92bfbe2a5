package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWorkerPromptAllSections(t *testing.T) {
	cfg := &WorkerConfig{Prompt: PromptConfig{User: "Work carefully."}}
	task := &TaskDefinition{Objective: "Write a report."}
	input := map[string]any{"topic": "winds"}

	prompt := BuildWorkerPrompt(cfg, task, input)

	sections := strings.Split(prompt, "\n\n")
	require.Len(t, sections, 4)
	assert.True(t, strings.HasPrefix(sections[0], "Current Time: {{TIME}}"))
	assert.Contains(t, sections[0], "Current Working Directory: {{CWD}}")
	assert.Equal(t, "Write a report.", sections[1])
	assert.Equal(t, "Work carefully.", sections[2])
	assert.Equal(t, "Input:\n{\n  \"topic\": \"winds\"\n}", sections[3])
}

func TestBuildWorkerPromptSkipsEmptySections(t *testing.T) {
	cfg := &WorkerConfig{Prompt: PromptConfig{User: "  \n"}}
	task := &TaskDefinition{Objective: ""}

	prompt := BuildWorkerPrompt(cfg, task, nil)

	assert.NotContains(t, prompt, "Input:")
	assert.Equal(t, strings.TrimSpace(contextHeader), prompt)
}

func TestExpandPlaceholders(t *testing.T) {
	out := expandPlaceholders("time={{TIME}} cwd={{CWD}} again={{CWD}}", "/work/dir")

	assert.NotContains(t, out, "{{TIME}}")
	assert.NotContains(t, out, "{{CWD}}")
	assert.Contains(t, out, "cwd=/work/dir again=/work/dir")
	// 2006-01-02 15:04 UTC layout.
	assert.Regexp(t, `time=\d{4}-\d{2}-\d{2} \d{2}:\d{2} UTC`, out)
}

func TestBuildCheckerPromptPrettyPrintsJSONOutput(t *testing.T) {
	task := &TaskDefinition{
		Objective:      "Produce a summary.",
		ExpectedOutput: map[string]any{"summary": "one paragraph"},
	}
	result := &WorkerResult{Text: `{"summary":"done"}`}

	prompt := BuildCheckerPrompt(task, result)

	assert.Contains(t, prompt, "# Task Objective\nProduce a summary.")
	assert.Contains(t, prompt, "# Expected Outcome\n{\n  \"summary\": \"one paragraph\"\n}")
	assert.Contains(t, prompt, "# Worker's Claimed Output\n{\n  \"summary\": \"done\"\n}")
	assert.Contains(t, prompt, "Error reported: None")
	assert.True(t, strings.HasSuffix(prompt, "render your verdict as JSON."))
}

func TestBuildCheckerPromptKeepsPlainText(t *testing.T) {
	task := &TaskDefinition{Objective: "Do the thing."}
	result := &WorkerResult{Text: "I did the thing.", Error: "tool crashed"}

	prompt := BuildCheckerPrompt(task, result)

	assert.Contains(t, prompt, "# Expected Outcome\n"+noExpectedOutput)
	assert.Contains(t, prompt, "# Worker's Claimed Output\nI did the thing.")
	assert.Contains(t, prompt, "Error reported: tool crashed")
}

func TestBuildCheckerPromptNonObjectJSONStaysRaw(t *testing.T) {
	task := &TaskDefinition{Objective: "List items."}
	result := &WorkerResult{Text: `[1, 2, 3]`}

	prompt := BuildCheckerPrompt(task, result)
	assert.Contains(t, prompt, "# Worker's Claimed Output\n[1, 2, 3]")
}
