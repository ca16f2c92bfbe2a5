package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// sentinelName is the structured handoff file a worker may write into its
// workspace. When present after a cycle, its contents replace the cycle's
// free-text output.
const sentinelName = "__output.json"

// parseSentinel decodes a sentinel file. Strict JSON first; models
// occasionally emit almost-JSON (single quotes, unquoted keys), which the
// YAML superset still reads, so that is the repair path. The root must be
// an object.
func parseSentinel(content []byte) (map[string]any, error) {
	var data map[string]any
	jsonErr := json.Unmarshal(content, &data)
	if jsonErr == nil && data != nil {
		return data, nil
	}
	if jsonErr == nil {
		return nil, errors.New("output root must be an object")
	}

	var repaired map[string]any
	if err := yaml.Unmarshal(content, &repaired); err != nil || repaired == nil {
		return nil, jsonErr
	}
	return repaired, nil
}

// ingestSentinel folds a worker-written __output.json into the cycle
// result: the parsed object replaces the free-text output as compact JSON,
// its files entries become artifacts, and the raw file is archived under a
// per-cycle name. A sentinel that cannot be processed marks the result as
// errored but keeps the original text.
func (e *Engine) ingestSentinel(state *RunState, cycleIndex int, result *WorkerResult, summary string, artifacts []string) (string, []string) {
	workspace := e.store.Workspace(state.SessionID)
	content, err := os.ReadFile(filepath.Join(workspace, sentinelName))
	if errors.Is(err, os.ErrNotExist) {
		return summary, artifacts
	}
	if err != nil {
		result.Error = "Failed to process __output.json: " + err.Error()
		return summary, artifacts
	}

	e.log.Info("ingesting output sentinel",
		zap.String("session_id", state.SessionID),
		zap.Int("cycle", cycleIndex))

	data, err := parseSentinel(content)
	if err != nil {
		e.log.WithError(err).Error("output sentinel unreadable",
			zap.String("session_id", state.SessionID))
		result.Error = "Failed to process __output.json: " + err.Error()
		return summary, artifacts
	}

	canonical, err := json.Marshal(data)
	if err != nil {
		result.Error = "Failed to process __output.json: " + err.Error()
		return summary, artifacts
	}
	result.Text = string(canonical)

	if files, ok := data["files"].([]any); ok {
		for _, f := range files {
			if name, ok := f.(string); ok {
				artifacts = append(artifacts, name)
			}
		}
	}
	summary += " [Output from __output.json]"

	archiveName := fmt.Sprintf("__output_cycle_%04d.json", cycleIndex)
	if err := os.WriteFile(filepath.Join(workspace, archiveName), content, 0o644); err != nil {
		result.Error = "Failed to process __output.json: " + err.Error()
		return summary, artifacts
	}
	artifacts = append(artifacts, archiveName)
	return summary, artifacts
}
