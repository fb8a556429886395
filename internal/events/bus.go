// Package events provides in-process pub/sub for replay observability.
package events

import (
	"sync"
	"time"
)

// RunStarted is published when a replay run begins.
type RunStarted struct {
	RunID     string
	StartedAt time.Time
}

// RunFinished is published when a replay run completes.
type RunFinished struct {
	RunID        string
	Processed    int
	Skipped      int
	Inconsistent bool
	FinishedAt   time.Time
}

// Divergence is published for every capture whose outputs differ.
type Divergence struct {
	RunID     string
	CaptureID string
	Function  string
	Timezone  string
	Paths     []string
}

// Bus fans events out to subscribers. Slow subscribers drop events
// rather than block the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
