package radio

import (
	"sync"
	"time"

	"github.com/kabili207/meshradio-go/core/codec"
)

// Send priorities. Lower values are sent first.
const (
	PriorityAck        uint8 = 0  // routing acknowledgements
	PriorityReliable   uint8 = 10 // want_ack traffic
	PriorityDefault    uint8 = 20
	PriorityBackground uint8 = 30 // telemetry, node info
)

// SendQueue is a priority-ordered outbound packet queue.
// Lower priority numbers are dequeued first. Items with a future readyAt
// time are held until that time has passed.
type SendQueue struct {
	mu       sync.Mutex
	items    []queueItem
	maxItems int
}

type queueItem struct {
	pkt      *codec.MeshPacket
	priority uint8
	readyAt  time.Time
}

// NewSendQueue creates an empty send queue holding at most maxItems packets.
// Zero means unbounded.
func NewSendQueue(maxItems int) *SendQueue {
	return &SendQueue{maxItems: maxItems}
}

// Push adds a packet to the queue with the given priority and delay.
// Priority 0 is highest. The packet will not be returned by Pop until
// the delay has elapsed. Push reports false when the queue is full.
func (q *SendQueue) Push(pkt *codec.MeshPacket, priority uint8, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxItems > 0 && len(q.items) >= q.maxItems {
		return false
	}
	q.items = append(q.items, queueItem{
		pkt:      pkt,
		priority: priority,
		readyAt:  time.Now().Add(delay),
	})
	return true
}

// Pop returns the highest-priority ready packet, or nil if none are ready.
// Among items with equal priority, the earliest-inserted item is returned.
func (q *SendQueue) Pop() *codec.MeshPacket {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	bestIdx := -1
	var bestPri uint8 = 255

	for i, item := range q.items {
		if now.Before(item.readyAt) {
			continue
		}
		if bestIdx == -1 || item.priority < bestPri {
			bestIdx = i
			bestPri = item.priority
		}
	}

	if bestIdx == -1 {
		return nil
	}

	pkt := q.items[bestIdx].pkt
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return pkt
}

// Remove drops a queued packet by (from, id) and returns it, or nil if it is
// not queued.
func (q *SendQueue) Remove(from, id uint32) *codec.MeshPacket {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.pkt.From == from && item.pkt.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item.pkt
		}
	}
	return nil
}

// Len returns the total number of items in the queue (ready or not).
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
