// Package orchestration drives tasks through their workflow: the
// initializer materializes steps from templates, viable-step discovery picks
// the ready set, the executor runs step handlers under bounded concurrency,
// and the finalizer decides whether a task completes, fails, or goes back on
// the queue. The coordinator loops these until the task reaches a
// terminating action.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Queue defers a task to the background so a later worker picks up its next
// iteration.
type Queue interface {
	// Enqueue publishes the task id, deliverable no earlier than delay from
	// now.
	Enqueue(ctx context.Context, taskID string, delay time.Duration) error
}

// QueueMessage is the wire shape of one queued task pickup.
type QueueMessage struct {
	TaskID      string    `json:"task_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	AvailableAt time.Time `json:"available_at"`
}

// RemainingDelay reports how long before the message may be processed, zero
// when it is already due.
func (m *QueueMessage) RemainingDelay(now time.Time) time.Duration {
	if d := m.AvailableAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// JetStreamQueue is the production Queue on a JetStream work-queue stream.
// Delays ride the message as available_at; a consumer receiving the message
// early NAKs it back with the remaining delay.
type JetStreamQueue struct {
	js      jetstream.JetStream
	stream  string
	subject string
	clock   func() time.Time
}

// QueueSubjectPrefix is the subject namespace for queued task pickups.
const QueueSubjectPrefix = "tasker.queue.task"

// NewJetStreamQueue ensures the work-queue stream exists and returns a
// publisher for it.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, streamName string, duplicateWindow time.Duration) (*JetStreamQueue, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Tasker background task queue",
		Subjects:    []string{QueueSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Duplicates:  duplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue stream %s: %w", streamName, err)
	}

	return &JetStreamQueue{
		js:      js,
		stream:  streamName,
		subject: QueueSubjectPrefix,
		clock:   time.Now,
	}, nil
}

// Enqueue publishes one pickup for the task. The message id carries a fresh
// nonce so server-side dedup only collapses publish retries of this same
// enqueue, not later legitimate ones.
func (q *JetStreamQueue) Enqueue(ctx context.Context, taskID string, delay time.Duration) error {
	now := q.clock().UTC()
	msg := QueueMessage{
		TaskID:      taskID,
		EnqueuedAt:  now,
		AvailableAt: now.Add(delay),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}

	subject := q.subject + "." + taskID
	_, err = q.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(taskID+":"+uuid.New().String()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// MemoryQueue is an in-process Queue for tests and the validate command. It
// records enqueues in order; callers drain it with Pop.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []QueueMessage
	clock   func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{clock: time.Now}
}

// Enqueue records one pickup.
func (q *MemoryQueue) Enqueue(_ context.Context, taskID string, delay time.Duration) error {
	now := q.clock().UTC()
	q.mu.Lock()
	q.entries = append(q.entries, QueueMessage{
		TaskID:      taskID,
		EnqueuedAt:  now,
		AvailableAt: now.Add(delay),
	})
	q.mu.Unlock()
	return nil
}

// Pop removes and returns the oldest pickup.
func (q *MemoryQueue) Pop() (QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueMessage{}, false
	}
	msg := q.entries[0]
	q.entries = q.entries[1:]
	return msg, true
}

// Len reports the number of queued pickups.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
