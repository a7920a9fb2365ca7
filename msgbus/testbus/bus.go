// Package testbus implements in-memory msgbus surfaces for tests.
package testbus

import (
	"context"
	"sync"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/msgbus"
)

// Topic implements msgbus.Topic in memory.
type Topic struct {
	mu       sync.Mutex
	messages [][]byte
}

// NewTopic creates an empty topic.
func NewTopic() *Topic { return &Topic{} }

// Publish appends a message.
func (topic *Topic) Publish(ctx context.Context, message []byte) error {
	topic.mu.Lock()
	defer topic.mu.Unlock()
	topic.messages = append(topic.messages, append([]byte{}, message...))
	return nil
}

// Receive takes the oldest message.
func (topic *Topic) Receive(ctx context.Context) ([]byte, error) {
	topic.mu.Lock()
	defer topic.mu.Unlock()
	if len(topic.messages) == 0 {
		return nil, msgbus.ErrEmpty.New("topic")
	}
	message := topic.messages[0]
	topic.messages = topic.messages[1:]
	return message, nil
}

// Release puts a message back at the front.
func (topic *Topic) Release(ctx context.Context, message []byte) error {
	topic.mu.Lock()
	defer topic.mu.Unlock()
	topic.messages = append([][]byte{append([]byte{}, message...)}, topic.messages...)
	return nil
}

// Len reports how many messages are pending.
func (topic *Topic) Len() int {
	topic.mu.Lock()
	defer topic.mu.Unlock()
	return len(topic.messages)
}

// Queue implements msgbus.Queue in memory.
type Queue struct {
	mu       sync.Mutex
	messages []*msgbus.Message
	seen     map[string]bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue { return &Queue{seen: map[string]bool{}} }

// Enqueue appends a message unless its dedup id was already seen.
func (queue *Queue) Enqueue(ctx context.Context, group, dedupID string, body []byte) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if dedupID != "" {
		key := group + ":" + dedupID
		if queue.seen[key] {
			return nil
		}
		queue.seen[key] = true
	}
	queue.messages = append(queue.messages, &msgbus.Message{
		Group: group,
		Dedup: dedupID,
		Body:  append([]byte{}, body...),
	})
	return nil
}

// Receive takes the oldest message.
func (queue *Queue) Receive(ctx context.Context) (*msgbus.Message, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.messages) == 0 {
		return nil, msgbus.ErrEmpty.New("queue")
	}
	message := queue.messages[0]
	queue.messages = queue.messages[1:]
	return message, nil
}

// Release puts a message back at the front.
func (queue *Queue) Release(ctx context.Context, message *msgbus.Message) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.messages = append([]*msgbus.Message{message}, queue.messages...)
	return nil
}

// Len reports how many messages are pending.
func (queue *Queue) Len() int {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return len(queue.messages)
}
