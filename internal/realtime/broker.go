// Package realtime is an in-process progress channel for long-running
// tasks. The submission service publishes, list-view observers subscribe.
package realtime

import "sync"

// Progress is one interim notification for a task.
type Progress struct {
	Percent     float64 `json:"percent"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
}

// Broker routes progress events by task id. One subscriber per task;
// publishing never blocks, slow subscribers lose events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]chan Progress
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]chan Progress),
	}
}

// Subscribe opens the progress channel for a task. Subscribing twice for
// the same task replaces the previous subscriber and closes its channel.
func (b *Broker) Subscribe(taskID string) <-chan Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subs[taskID]; ok {
		close(prev)
	}
	ch := make(chan Progress, 16)
	b.subs[taskID] = ch
	return ch
}

// Unsubscribe retires the task's channel. The subscriber's channel is
// closed so range loops over it terminate.
func (b *Broker) Unsubscribe(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[taskID]; ok {
		close(ch)
		delete(b.subs, taskID)
	}
}

// Publish delivers an event to the task's subscriber, if any. The send
// happens under the lock so an Unsubscribe cannot close the channel mid-send.
func (b *Broker) Publish(taskID string, p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[taskID]
	if !ok {
		return
	}
	select {
	case ch <- p:
	default:
	}
}
