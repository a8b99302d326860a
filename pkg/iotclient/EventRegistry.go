package iotclient

import (
	"fmt"
	"sync/atomic"

	"github.com/wostzone/iotcentral-go/api"
)

// handlerSlot wraps a handler so a cleared slot can be stored in an atomic.Value
type handlerSlot struct {
	handler interface{}
}

// eventRegistry holds the handler of each event kind.
// Each kind has its own slot so registering one kind never blocks the other, and the
// listeners read without locking.
type eventRegistry struct {
	slots map[api.EventKind]*atomic.Value
}

// set the handler of an event kind, replacing the previous handler. nil clears it.
// Plain func literals of the handler signatures are accepted.
func (registry *eventRegistry) set(kind api.EventKind, handler interface{}) error {
	slot, found := registry.slots[kind]
	if !found {
		return fmt.Errorf("%w: unknown event kind %d", api.ErrInvalidHandler, kind)
	}
	var canonical interface{}
	switch kind {
	case api.EventProperties:
		switch h := handler.(type) {
		case nil:
		case api.PropertiesHandler:
			canonical = h
		case func(string, interface{}) bool:
			canonical = api.PropertiesHandler(h)
		default:
			return fmt.Errorf("%w: properties handler has type %T", api.ErrInvalidHandler, handler)
		}
	case api.EventCommand:
		switch h := handler.(type) {
		case nil:
		case api.CommandHandler:
			canonical = h
		case func(*api.CommandInvocation, api.CommandAckFunc):
			canonical = api.CommandHandler(h)
		case func(*api.CommandInvocation, func(string, interface{}, string) error):
			canonical = api.CommandHandler(func(cmd *api.CommandInvocation, ack api.CommandAckFunc) {
				h(cmd, ack)
			})
		default:
			return fmt.Errorf("%w: command handler has type %T", api.ErrInvalidHandler, handler)
		}
	}
	slot.Store(handlerSlot{handler: canonical})
	return nil
}

// propertiesHandler returns the current properties handler or nil
func (registry *eventRegistry) propertiesHandler() api.PropertiesHandler {
	h, _ := registry.slots[api.EventProperties].Load().(handlerSlot).handler.(api.PropertiesHandler)
	return h
}

// commandHandler returns the current command handler or nil
func (registry *eventRegistry) commandHandler() api.CommandHandler {
	h, _ := registry.slots[api.EventCommand].Load().(handlerSlot).handler.(api.CommandHandler)
	return h
}

func newEventRegistry() *eventRegistry {
	registry := &eventRegistry{slots: make(map[api.EventKind]*atomic.Value)}
	for _, kind := range []api.EventKind{api.EventProperties, api.EventCommand} {
		slot := &atomic.Value{}
		slot.Store(handlerSlot{})
		registry.slots[kind] = slot
	}
	return registry
}
