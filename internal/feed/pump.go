package feed

import (
	"context"
	"fmt"
)

// CursorStore persists feed positions.
type CursorStore interface {
	Get(ctx context.Context, name string) (string, error)
	Put(ctx context.Context, name, position string) error
}

// Pump polls src once from its stored cursor, dispatches the events in order
// and stores the new cursor. When an event asks for redelivery the cursor is
// left where it was, so the next pump sees the whole batch again.
func Pump(ctx context.Context, src Source, cursors CursorStore, d *Dispatcher) (int, error) {
	cursor, err := cursors.Get(ctx, src.Name())
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", src.Name(), err)
	}

	events, next, err := src.Poll(ctx, cursor)
	if err != nil {
		return 0, fmt.Errorf("poll %s: %w", src.Name(), err)
	}

	for i, ev := range events {
		if err := d.Dispatch(ctx, ev); err != nil {
			return i, fmt.Errorf("dispatch %s event %d: %w", src.Name(), i, err)
		}
	}

	if next != cursor {
		if err := cursors.Put(ctx, src.Name(), next); err != nil {
			return len(events), fmt.Errorf("store cursor %s: %w", src.Name(), err)
		}
	}
	return len(events), nil
}
