package engine

import (
	"context"
	"fmt"
	"time"
)

// MockEngine is the deterministic engine used when no real automation
// backend is configured. It streams a canned reply, optionally preceded by
// one scripted browser tool round-trip.
type MockEngine struct {
	Delay    time.Duration
	ToolCall bool
}

func (m *MockEngine) Run(ctx context.Context, task string, emit func(Callback)) (string, error) {
	if err := m.pause(ctx); err != nil {
		return "", err
	}

	if m.ToolCall {
		emit(Callback{
			Kind:   KindToolStart,
			Name:   "browser_navigate",
			CallID: "mock-call-1",
			Input:  map[string]any{"url": "https://example.com"},
		})
		if err := m.pause(ctx); err != nil {
			return "", err
		}
		emit(Callback{
			Kind:   KindToolEnd,
			Name:   "browser_navigate",
			CallID: "mock-call-1",
			Output: map[string]any{"title": "Example Domain"},
			URL:    "https://example.com",
		})
	}

	reply := fmt.Sprintf("Mock response for: %s", task)
	emit(Callback{Kind: KindTextDelta, Text: reply})
	if err := m.pause(ctx); err != nil {
		return "", err
	}
	return reply, nil
}

func (m *MockEngine) pause(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
