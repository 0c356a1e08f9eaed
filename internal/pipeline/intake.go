// File path: internal/pipeline/intake.go
package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/storymill/storymill/internal/theme"
)

// Item is one classified conversation waiting for a pipeline run.
type Item struct {
	Conversation theme.Conversation
	Record       theme.ThemeRecord
}

// Intake buffers classified conversations between ingestion and the next
// run. Deferred batches are requeued here so nothing is silently dropped.
type Intake struct {
	mu    sync.Mutex
	items []Item
}

func NewIntake() *Intake {
	return &Intake{}
}

// Add validates and enqueues items. Invalid items are rejected individually
// with a ValidationError; the rest of the slice still lands.
func (q *Intake) Add(items []Item) (int, error) {
	var firstErr error
	accepted := make([]Item, 0, len(items))
	for _, item := range items {
		if err := validateItem(item); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted = append(accepted, item)
	}
	q.mu.Lock()
	q.items = append(q.items, accepted...)
	q.mu.Unlock()
	return len(accepted), firstErr
}

// Drain removes and returns everything queued, in arrival order.
func (q *Intake) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Requeue returns deferred items to the front of the queue for the next run.
func (q *Intake) Requeue(items []Item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]Item(nil), items...), q.items...)
	q.mu.Unlock()
}

// Pending reports the queued item count.
func (q *Intake) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func validateItem(item Item) error {
	id := strings.TrimSpace(item.Conversation.ID)
	if id == "" {
		return &ValidationError{Err: fmt.Errorf("conversation id required")}
	}
	if item.Record.ConversationID != "" && item.Record.ConversationID != id {
		return &ValidationError{ConversationID: id, Err: fmt.Errorf("record conversation id %q does not match", item.Record.ConversationID)}
	}
	if item.Conversation.OccurredAt.IsZero() {
		return &ValidationError{ConversationID: id, Err: fmt.Errorf("occurred_at required")}
	}
	return nil
}
