package event

import (
	"fmt"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/engine"
)

// Classify maps one raw engine callback to its canonical event. It is pure:
// screenshot payloads must already have been swapped for opaque references
// by the caller. An unrecognized callback kind is an error, never a silent
// drop; the supervisor surfaces it as the run's terminal error.
func Classify(cb engine.Callback) (Event, error) {
	switch cb.Kind {
	case engine.KindTextDelta:
		return Token(cb.Text), nil
	case engine.KindThinkingDelta:
		return Thinking(cb.Text), nil
	case engine.KindToolStart:
		return ToolStart(toolName(cb), cb.CallID, PreviewArgs(cb.Input)), nil
	case engine.KindToolEnd:
		return ToolEnd(toolName(cb), cb.CallID, cb.URL, cb.Screenshot, PreviewOutput(cb.Output)), nil
	default:
		return Event{}, fmt.Errorf("unrecognized engine callback kind %q", cb.Kind)
	}
}

func toolName(cb engine.Callback) string {
	if cb.Name == "" {
		return "tool"
	}
	return cb.Name
}
