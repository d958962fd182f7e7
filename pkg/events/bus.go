// Package events is the in-process fan-out bus for orchestration
// events: per-conversation stream events, budget alerts, breaker state
// transitions, and registry reloads. Subscribers receive events on
// buffered channels; a slow subscriber drops events rather than
// blocking publishers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel names. Conversation streams use ConversationChannel(id).
const (
	ChannelBudget   = "budget"
	ChannelBreaker  = "breaker"
	ChannelRegistry = "registry"
)

// ConversationChannel returns the stream channel for one conversation.
func ConversationChannel(convID string) string {
	return "conversation." + convID
}

// Event is the envelope published on the bus.
type Event struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	TS      time.Time   `json:"ts"`
}

const subscriberBuffer = 256

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans events out to channel subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[string]*subscriber
	dropped  map[string]uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		channels: map[string]map[string]*subscriber{},
		dropped:  map[string]uint64{},
	}
}

// Subscribe registers for a channel. The returned cancel func must be
// called to release the subscription; the event channel is closed by
// cancel.
func (b *Bus) Subscribe(channel string) (<-chan Event, func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = map[string]*subscriber{}
		b.channels[channel] = subs
	}
	subs[sub.id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs, ok := b.channels[channel]
		if !ok {
			return
		}
		if _, present := subs[sub.id]; !present {
			return
		}
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber of its channel.
// Full subscriber buffers drop the event; the publisher never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	// Sends stay under the read lock so a concurrent cancel (which
	// closes the subscriber channel under the write lock) cannot race a
	// send. Sends are non-blocking, so the lock is held briefly.
	b.mu.RLock()
	var droppedSubs int
	for _, sub := range b.channels[ev.Channel] {
		select {
		case sub.ch <- ev:
		default:
			droppedSubs++
		}
	}
	b.mu.RUnlock()

	if droppedSubs > 0 {
		b.mu.Lock()
		b.dropped[ev.Channel] += uint64(droppedSubs)
		count := b.dropped[ev.Channel]
		b.mu.Unlock()
		if count%100 == 1 || count == uint64(droppedSubs) {
			slog.Warn("Dropping events for slow subscribers",
				"channel", ev.Channel, "type", ev.Type, "dropped_total", count)
		}
	}
}

// SubscriberCount returns the number of subscribers on a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Dropped returns the number of events dropped on a channel.
func (b *Bus) Dropped(channel string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[channel]
}
