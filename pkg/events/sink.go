package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// EventSink is a destination for generation events.
type EventSink interface {
	PublishEvent(event Event) error
}

// NullSink drops every event.
type NullSink struct{}

func (n *NullSink) PublishEvent(event Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)

// CollectingSink keeps every published event in memory.
type CollectingSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectingSink() *CollectingSink {
	return &CollectingSink{}
}

func (c *CollectingSink) PublishEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *CollectingSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Event, len(c.events))
	copy(ret, c.events)
	return ret
}

func (c *CollectingSink) Types() []EventType {
	evs := c.Events()
	ret := make([]EventType, 0, len(evs))
	for _, e := range evs {
		ret = append(ret, e.Type())
	}
	return ret
}

var _ EventSink = (*CollectingSink)(nil)

// PublishToSinks sends event to every sink. Sink errors are logged and
// otherwise ignored so that a broken sink never interrupts a generation.
func PublishToSinks(sinks []EventSink, event Event) {
	for _, sink := range sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish event")
		}
	}
}
