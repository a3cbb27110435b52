package event

import (
	"encoding/json"
	"fmt"
)

const (
	previewLimit      = 220
	previewValueLimit = 180
	previewListLimit  = 20
)

// PreviewArgs renders a bounded, human-readable summary of a tool's input.
// Framework plumbing keys are dropped and nested values are clipped so the
// preview stays small regardless of payload size.
func PreviewArgs(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	return clipText(renderJSON(sanitizeValue(input)), previewLimit)
}

// PreviewOutput renders a bounded summary of a tool's output with any inline
// screenshot payload omitted.
func PreviewOutput(output map[string]any) string {
	if len(output) == 0 {
		return ""
	}
	clone := map[string]any{}
	for key, nested := range output {
		if key == "screenshot" {
			clone[key] = "[omitted]"
			continue
		}
		clone[key] = nested
	}
	return clipText(renderJSON(sanitizeValue(clone)), previewLimit)
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		cleaned := map[string]any{}
		for key, nested := range v {
			switch key {
			case "runtime", "state", "messages":
				continue
			}
			cleaned[key] = sanitizeValue(nested)
		}
		return cleaned
	case []any:
		if len(v) > previewListLimit {
			v = v[:previewListLimit]
		}
		out := make([]any, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizeValue(item))
		}
		return out
	case string:
		return clipText(v, previewValueLimit)
	default:
		return v
	}
}

func renderJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func clipText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
