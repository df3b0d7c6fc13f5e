package store

import (
	"fmt"
	"strings"
)

// Summarization bounds. Counts are in runes; the original lengths reported
// in truncation notices are rune counts too.
const (
	maxInputChars  = 300
	maxOutputChars = 500
)

// SummarizeToolInput reduces a tool's input to what a human needs to see in
// history. The policy is deterministic per tool name:
//
//	Read, NotebookEdit   keep the path only
//	Edit                 path plus old/new strings truncated to 300
//	Write                path plus content truncated to 300
//	Bash                 description plus first line of command (≤300)
//	Glob, Grep           pattern and path only
//	anything else        recursive walk truncating long strings
func SummarizeToolInput(toolName string, input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	switch toolName {
	case "Read":
		return pick(input, "file_path")
	case "NotebookEdit":
		return pick(input, "notebook_path")
	case "Edit":
		out := pick(input, "file_path")
		pickTruncated(input, out, "old_string")
		pickTruncated(input, out, "new_string")
		return out
	case "Write":
		out := pick(input, "file_path")
		pickTruncated(input, out, "content")
		return out
	case "Bash":
		out := pick(input, "description")
		if v, ok := input["command"]; ok {
			if cmd, ok := v.(string); ok {
				line, _, _ := strings.Cut(cmd, "\n")
				out["command"] = truncate(line, maxInputChars)
			} else {
				out["command"] = v
			}
		}
		return out
	case "Glob", "Grep":
		return pick(input, "pattern", "path")
	default:
		return summarizeMap(input)
	}
}

// SummarizeOutput passes short strings through and truncates long ones,
// appending the original size so nothing silently disappears.
func SummarizeOutput(s string) string {
	r := []rune(s)
	if len(r) <= maxOutputChars {
		return s
	}
	return fmt.Sprintf("%s\n... (%d chars total)", string(r[:maxOutputChars]), len(r))
}

func pick(input map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := input[k]; ok {
			out[k] = v
		}
	}
	return out
}

func pickTruncated(input, out map[string]any, key string) {
	v, ok := input[key]
	if !ok {
		return
	}
	if s, ok := v.(string); ok {
		out[key] = truncate(s, maxInputChars)
	} else {
		out[key] = v
	}
}

func summarizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = summarizeValue(v)
	}
	return out
}

func summarizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return truncate(t, maxInputChars)
	case map[string]any:
		return summarizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = summarizeValue(e)
		}
		return out
	default:
		return v
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
