package service

import (
	"sync"

	"github.com/csiiiv/philgeps-awards-dashboard/model"
)

// Topic names for task event broadcast. Every event goes to the global
// topic plus the task-specific one.
const (
	TopicAllTasks   = "tasks.all"
	taskTopicPrefix = "task."
)

// TaskTopic returns the per-task topic name.
func TaskTopic(taskID string) string { return taskTopicPrefix + taskID }

// TaskBroker is an in-process topic broker fanning task events out to
// subscribers. Publishes never block: a subscriber that cannot keep up
// drops events rather than stalling the worker.
type TaskBroker struct {
	mu     sync.RWMutex
	topics map[string]map[chan model.TaskEvent]struct{}
	buffer int
}

// NewTaskBroker builds a broker whose subscriber channels buffer up to
// buffer events.
func NewTaskBroker(buffer int) *TaskBroker {
	if buffer <= 0 {
		buffer = 16
	}
	return &TaskBroker{
		topics: make(map[string]map[chan model.TaskEvent]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber on topic and returns its channel
// plus a cancel func. Cancel is idempotent and closes the channel.
func (b *TaskBroker) Subscribe(topic string) (<-chan model.TaskEvent, func()) {
	ch := make(chan model.TaskEvent, b.buffer)

	b.mu.Lock()
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[chan model.TaskEvent]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.topics[topic]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish fans an event out to a topic's current subscribers without
// blocking.
func (b *TaskBroker) Publish(topic string, ev model.TaskEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Broadcast publishes to the task-specific topic and the global topic.
func (b *TaskBroker) Broadcast(ev model.TaskEvent) {
	b.Publish(TaskTopic(ev.TaskID), ev)
	b.Publish(TopicAllTasks, ev)
}

// SubscriberCount reports the live subscribers on a topic.
func (b *TaskBroker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
