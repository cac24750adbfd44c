package web

import (
	"sync"

	"pwn-gpsd/internal/notify"
	"pwn-gpsd/internal/protocol"
)

// PositionBroadcaster fans propagated positions out to live listeners (websocket clients).
// It keeps the most recent value so new subscribers get an immediate sample.
type PositionBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan notify.Position
	nextID   int
	last     notify.Position
	haveLast bool
}

func NewPositionBroadcaster() *PositionBroadcaster {
	return &PositionBroadcaster{
		subs: make(map[int]chan notify.Position),
	}
}

func (b *PositionBroadcaster) Subscribe(buffer int) (int, <-chan notify.Position) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan notify.Position, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		ch <- last
	}
	return id, ch
}

func (b *PositionBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of live listeners.
func (b *PositionBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// PositionChanged publishes without blocking; slow listeners miss samples.
func (b *PositionBroadcaster) PositionChanged(tpv protocol.TPV) {
	if b == nil {
		return
	}
	pos, ok := notify.PositionOf(tpv)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = pos
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- pos:
		default:
		}
	}
}
