package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeToken     Type = "token"
	TypeThinking  Type = "thinking"
	TypeToolStart Type = "tool_start"
	TypeToolEnd   Type = "tool_end"
	TypeDone      Type = "done"
	TypeError     Type = "error"
)

// Event is one canonical stream event. The field set used depends on Type;
// Data() renders the wire payload for exactly that set.
type Event struct {
	Type      Type
	Timestamp time.Time

	Text          string // token, thinking
	Name          string // tool_start, tool_end
	CallID        string // tool_start, tool_end
	ArgsPreview   string // tool_start
	URL           string // tool_end
	ScreenshotRef string // tool_end
	OutputPreview string // tool_end
	Result        string // done
	Err           string // error
}

// Terminal reports whether no event may follow this one on a run's channel.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

func (e Event) Data() map[string]any {
	switch e.Type {
	case TypeToken, TypeThinking:
		return map[string]any{"text": e.Text}
	case TypeToolStart:
		return map[string]any{"name": e.Name, "args_preview": e.ArgsPreview}
	case TypeToolEnd:
		data := map[string]any{"name": e.Name}
		if e.URL != "" {
			data["url"] = e.URL
		}
		if e.ScreenshotRef != "" {
			data["screenshot_ref"] = e.ScreenshotRef
		}
		return data
	case TypeDone:
		return map[string]any{"result": e.Result}
	case TypeError:
		return map[string]any{"error": e.Err}
	default:
		return map[string]any{}
	}
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":      e.Type,
		"data":      e.Data(),
		"timestamp": e.Timestamp,
	})
}

func Token(text string) Event {
	return Event{Type: TypeToken, Timestamp: now(), Text: text}
}

func Thinking(text string) Event {
	return Event{Type: TypeThinking, Timestamp: now(), Text: text}
}

func ToolStart(name, callID, argsPreview string) Event {
	return Event{Type: TypeToolStart, Timestamp: now(), Name: name, CallID: callID, ArgsPreview: argsPreview}
}

func ToolEnd(name, callID, url, screenshotRef, outputPreview string) Event {
	return Event{
		Type:          TypeToolEnd,
		Timestamp:     now(),
		Name:          name,
		CallID:        callID,
		URL:           url,
		ScreenshotRef: screenshotRef,
		OutputPreview: outputPreview,
	}
}

func Done(result string) Event {
	return Event{Type: TypeDone, Timestamp: now(), Result: result}
}

func Errorf(format string, args ...any) Event {
	return Event{Type: TypeError, Timestamp: now(), Err: fmt.Sprintf(format, args...)}
}

func now() time.Time {
	return time.Now().UTC()
}
