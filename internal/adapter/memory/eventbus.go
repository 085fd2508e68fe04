package memory

import (
	"context"
	"sync"

	"github.com/reverie/coord/internal/domain/event"
	porteventbus "github.com/reverie/coord/internal/port/eventbus"
)

// EventBus is an in-process fan-out bus. Handlers run synchronously on the
// publisher's goroutine, which makes test assertions deterministic.
type EventBus struct {
	mu   sync.RWMutex
	subs map[event.Channel]map[*subscription]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[event.Channel]map[*subscription]struct{})}
}

func (b *EventBus) Publish(ctx context.Context, e event.Event) error {
	ch := event.ChannelFor(e.Type)

	b.mu.RLock()
	handlers := make([]porteventbus.Handler, 0, len(b.subs[ch]))
	for sub := range b.subs[ch] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

func (b *EventBus) Subscribe(_ context.Context, ch event.Channel, handler porteventbus.Handler) (porteventbus.Subscription, error) {
	sub := &subscription{bus: b, channel: ch, handler: handler}

	b.mu.Lock()
	if b.subs[ch] == nil {
		b.subs[ch] = make(map[*subscription]struct{})
	}
	b.subs[ch][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

type subscription struct {
	bus     *EventBus
	channel event.Channel
	handler porteventbus.Handler
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs[s.channel], s)
	s.bus.mu.Unlock()
}
