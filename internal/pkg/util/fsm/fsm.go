// Package fsm adapts error-returning callbacks to the looplab/fsm
// callback signature.
package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent lifts fn into a fsm.Callback, recording its error on the
// event so the caller of fsm.Event sees it.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}
