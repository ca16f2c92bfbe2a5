package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	jsonBraceRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// malformedPreviewLimit clips how much of an undecodable checker response
// is echoed back to the worker.
const malformedPreviewLimit = 200

// ParseVerdict interprets a checker invocation's output. A transport error
// fails the cycle outright. Otherwise the first JSON object in the text is
// decoded: a fenced ```json block wins, then the widest {...} span, then
// the whole text. Both the verdict shape and the older {"passed": bool}
// shape are accepted. Anything the checker did not explicitly pass fails,
// and the verdict details are folded into the next cycle's input so the
// worker can react to the feedback.
func ParseVerdict(result *WorkerResult) *CheckerResult {
	if result.Error != "" {
		return &CheckerResult{
			Passed: false,
			Reason: "checker_error: " + result.Error,
			NextInput: map[string]any{
				"error_feedback": "Checker failed: " + result.Error,
			},
		}
	}

	text := result.Text
	raw := text
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if m := jsonBraceRe.FindString(text); m != "" {
		raw = m
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil || data == nil {
		return &CheckerResult{
			Passed: false,
			Reason: "checker_parsing_error",
			NextInput: map[string]any{
				"review_feedback": "Checker output was malformed: " + truncate(text, malformedPreviewLimit) + "...",
			},
		}
	}

	verdict := strings.ToLower(stringField(data, "verdict", ""))
	if verdict == "" {
		verdict = "failed"
		if passed, ok := data["passed"].(bool); ok && passed {
			verdict = "passed"
		}
	}
	reason := stringField(data, "reason", "")
	feedback := stringField(data, "feedback", "")
	verified := data["verified"]
	if verified == nil {
		verified = []any{}
	}

	if verdict == "passed" {
		return &CheckerResult{Passed: true, Reason: "verified_passed"}
	}
	return &CheckerResult{
		Passed: false,
		Reason: verdict + ": " + reason,
		NextInput: map[string]any{
			"review_verdict":  verdict,
			"review_feedback": feedback,
			"review_reason":   reason,
			"verified_items":  verified,
		},
	}
}

func stringField(data map[string]any, key, fallback string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return fallback
}

// truncate clips s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
