package compositor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Event is a mount lifecycle notification.
type Event int

// Mount events.
const (
	// EventMounted fires after an active mount is registered.
	EventMounted Event = iota + 1
	// EventUnmounted fires after a mount is cleaned up and removed.
	EventUnmounted
	// EventState fires when a mount is registered, active or failed.
	EventState
	// EventToolsChanged fires after a child reported a new tool list.
	EventToolsChanged
)

func (e Event) String() string {
	switch e {
	case EventMounted:
		return "MOUNTED"
	case EventUnmounted:
		return "UNMOUNTED"
	case EventState:
		return "STATE"
	case EventToolsChanged:
		return "TOOLS_CHANGED"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Listener observes mount events. Errors are logged.
// Listeners run on the compositor task group, concurrently with the caller.
type Listener func(ctx context.Context, prefix string, ev Event) error

// AddListener registers l for all future events.
func (c *Compositor) AddListener(l Listener) {
	if l == nil {
		return
	}
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Compositor) notify(prefix string, ev Event) {
	c.lmu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.lmu.RUnlock()

	for _, l := range listeners {
		c.goTask(func(ctx context.Context) {
			if err := l(ctx, prefix, ev); err != nil {
				c.logger.Warn("mount listener failed",
					zap.String("prefix", prefix),
					zap.Stringer("event", ev),
					zap.Error(err),
				)
			}
		})
	}
}
