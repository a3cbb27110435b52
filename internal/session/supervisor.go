package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/engine"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/event"
	"github.com/heyalexchoi/tenex-better-perplexity/internal/state"
)

// run supervises one engine invocation: every raw callback is classified and
// applied to the accumulator before fan-out, and exactly one terminal event
// reaches the live channel no matter how the engine stops.
func (r *Registry) run(ctx context.Context, rt *runtime, task string) {
	acc := newAccumulator(r.store, rt.sessionID)

	// Classification or persistence failure mid-run; terminates the run.
	var abortErr error

	emit := func(cb engine.Callback) {
		if ctx.Err() != nil || abortErr != nil {
			return
		}
		if cb.Kind == engine.KindToolEnd && cb.Screenshot != "" {
			ref, err := r.shots.Save(cb.Screenshot)
			if err != nil {
				log.Printf("session %s: save screenshot: %v", rt.sessionID, err)
				ref = ""
			}
			cb.Screenshot = ref
		}

		evt, err := event.Classify(cb)
		if err != nil {
			abortErr = err
			rt.cancel()
			return
		}
		// Durability decision before fan-out: a viewer never sees an event
		// the durable log cannot account for.
		if err := acc.apply(context.Background(), evt); err != nil {
			abortErr = err
			rt.cancel()
			return
		}
		rt.bcast.publish(evt)
	}

	result, runErr := r.invoke(ctx, task, emit)

	var terminal event.Event
	status := state.StatusIdle
	switch {
	case abortErr != nil:
		terminal = event.Errorf("%v", abortErr)
		status = state.StatusError
	case ctx.Err() != nil:
		// Cancellation is a clean stop, not a persisted failure state.
		terminal = event.Errorf("Task cancelled")
		status = state.StatusIdle
	case runErr != nil:
		terminal = event.Errorf("%v", runErr)
		status = state.StatusError
	default:
		text := strings.TrimSpace(result)
		if text == "" {
			text = "Task completed."
		}
		terminal = event.Done(text)
	}

	if err := acc.apply(context.Background(), terminal); err != nil {
		// Fatal to the run, but the live channel still gets an error so no
		// viewer is left hanging.
		log.Printf("session %s: persist terminal event: %v", rt.sessionID, err)
		terminal = event.Errorf("%v", err)
		status = state.StatusError
	}
	if err := r.store.SetSessionStatus(context.Background(), rt.sessionID, status); err != nil {
		log.Printf("session %s: set status %s: %v", rt.sessionID, status, err)
	}

	rt.bcast.publish(terminal)
	close(rt.done)

	time.AfterFunc(r.drainGrace, func() { r.release(rt) })
}

// invoke contains engine failures: a panic inside the engine surfaces as an
// ordinary run error instead of crashing the process.
func (r *Registry) invoke(ctx context.Context, task string, emit func(engine.Callback)) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("engine panic: %v", rec)
		}
	}()
	return r.engine.Run(ctx, task, emit)
}
