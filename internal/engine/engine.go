package engine

import "context"

// Kind identifies the shape of a raw callback emitted by an engine while a
// task runs. Anything outside this set is rejected by the classifier.
type Kind string

const (
	KindTextDelta     Kind = "text_delta"
	KindThinkingDelta Kind = "thinking_delta"
	KindToolStart     Kind = "tool_start"
	KindToolEnd       Kind = "tool_end"
)

// Callback is one raw execution signal. Field use depends on Kind: Text for
// the delta kinds, the tool fields for tool_start/tool_end. Screenshot holds
// the raw base64 payload as produced by the engine; it is replaced with an
// opaque reference before the callback reaches the classifier.
type Callback struct {
	Kind       Kind
	Text       string
	Name       string
	CallID     string
	Input      map[string]any
	Output     map[string]any
	URL        string
	Screenshot string
}

// Engine runs one task and reports progress through emit. Implementations
// must call emit from the calling goroutine, observe ctx cancellation at
// their next suspension point, and return the final result text on success.
type Engine interface {
	Run(ctx context.Context, task string, emit func(Callback)) (string, error)
}
