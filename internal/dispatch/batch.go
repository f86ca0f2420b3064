package dispatch

import (
	"context"
	"sync"

	"soundfleet/pkg/models"
)

// Batch buffers matched recordings so a caller can dispatch them at a
// boundary of its own choosing (end of an import, end of a sweep page)
// instead of publishing per match.
type Batch struct {
	dispatcher *Dispatcher

	mu      sync.Mutex
	entries []batchEntry
}

type batchEntry struct {
	recordingID string
	rules       []models.RoutingRule
}

// NewBatch creates an empty batch bound to the dispatcher
func (d *Dispatcher) NewBatch() *Batch {
	return &Batch{dispatcher: d}
}

// Add buffers one recording with the rules that matched it
func (b *Batch) Add(recordingID string, matched []models.RoutingRule) {
	if len(matched) == 0 {
		return
	}
	b.mu.Lock()
	b.entries = append(b.entries, batchEntry{recordingID: recordingID, rules: matched})
	b.mu.Unlock()
}

// Len reports how many recordings are buffered
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Flush dispatches everything buffered, in insertion order, and empties
// the batch. Per-recording failures are counted, not fatal.
func (b *Batch) Flush(ctx context.Context) Result {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	var total Result
	for _, entry := range entries {
		result := b.dispatcher.DispatchMatched(ctx, entry.recordingID, entry.rules)
		total.merge(result)
	}
	return total
}
