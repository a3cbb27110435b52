package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/event"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
)

// accumulator folds one run's canonical events into completed durable
// messages. Assistant text stays in memory until the run finishes cleanly;
// tool messages become durable the moment their call is known complete.
type accumulator struct {
	store     *state.Store
	sessionID string

	text    strings.Builder
	pending map[string]pendingTool
}

type pendingTool struct {
	name        string
	argsPreview string
}

func newAccumulator(store *state.Store, sessionID string) *accumulator {
	return &accumulator{
		store:     store,
		sessionID: sessionID,
		pending:   map[string]pendingTool{},
	}
}

func (a *accumulator) apply(ctx context.Context, evt event.Event) error {
	switch evt.Type {
	case event.TypeToken, event.TypeThinking:
		a.text.WriteString(evt.Text)
		return nil

	case event.TypeToolStart:
		a.pending[toolKey(evt)] = pendingTool{name: evt.Name, argsPreview: evt.ArgsPreview}
		return nil

	case event.TypeToolEnd:
		started, ok := a.pending[toolKey(evt)]
		delete(a.pending, toolKey(evt))

		meta := map[string]any{"tool_name": evt.Name}
		if evt.CallID != "" {
			meta["tool_call_id"] = evt.CallID
		}
		if ok && started.argsPreview != "" {
			meta["input"] = started.argsPreview
		}
		if evt.OutputPreview != "" {
			meta["output_preview"] = evt.OutputPreview
		}
		if evt.URL != "" {
			meta["url"] = evt.URL
		}
		if evt.ScreenshotRef != "" {
			meta["screenshot"] = evt.ScreenshotRef
		}
		if _, err := a.store.CreateMessage(ctx, a.sessionID, state.RoleTool, evt.OutputPreview, meta); err != nil {
			return fmt.Errorf("persist tool message: %w", err)
		}
		if _, err := a.store.RecordEvent(ctx, a.sessionID, string(evt.Type), evt.Data()); err != nil {
			return fmt.Errorf("record tool event: %w", err)
		}
		return nil

	case event.TypeDone:
		if a.text.Len() > 0 {
			if _, err := a.store.CreateMessage(ctx, a.sessionID, state.RoleAssistant, a.text.String(), nil); err != nil {
				return fmt.Errorf("persist assistant message: %w", err)
			}
		}
		a.text.Reset()
		if _, err := a.store.RecordEvent(ctx, a.sessionID, string(evt.Type), evt.Data()); err != nil {
			return fmt.Errorf("record done event: %w", err)
		}
		return nil

	case event.TypeError:
		// A failed or cancelled run never yields a partial assistant message.
		a.text.Reset()
		if _, err := a.store.RecordEvent(ctx, a.sessionID, string(evt.Type), evt.Data()); err != nil {
			return fmt.Errorf("record error event: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unhandled event type %q", evt.Type)
	}
}

func toolKey(evt event.Event) string {
	if evt.CallID != "" {
		return evt.CallID
	}
	return evt.Name
}
