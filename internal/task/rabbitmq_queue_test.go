package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ackRecord struct {
	tag     uint64
	acked   bool
	requeue bool
}

type recordingAcknowledger struct {
	mu      sync.Mutex
	records []ackRecord
}

func (r *recordingAcknowledger) Ack(tag uint64, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, ackRecord{tag: tag, acked: true})
	return nil
}

func (r *recordingAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (r *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func (r *recordingAcknowledger) snapshot() []ackRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ackRecord(nil), r.records...)
}

type fakeChannel struct {
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	closed     bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestRabbitMQQueuePublishPersistent(t *testing.T) {
	ch := &fakeChannel{}
	q := &RabbitMQQueue{ch: ch, queue: "autonomify.tasks", durable: true}
	if err := q.Publish(context.Background(), "task-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one publishing, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if string(msg.Body) != "task-1" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing: %+v", msg)
	}
	if err := q.Close(); err != nil || !ch.closed {
		t.Fatalf("close: %v closed=%v", err, ch.closed)
	}
}

func TestRabbitMQQueueRequeuesOnlyUnclaimedTasks(t *testing.T) {
	acks := &recordingAcknowledger{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte("claim-failed")}
	ch.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte("executed")}
	q := &RabbitMQQueue{ch: ch, queue: "autonomify.tasks"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := func(_ context.Context, taskID string) error {
		if taskID == "claim-failed" {
			return errors.New("store unavailable")
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, 1, handler) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(acks.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("deliveries not settled: %+v", acks.snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	got := acks.snapshot()
	want := []ackRecord{{tag: 1, requeue: true}, {tag: 2, acked: true}}
	if len(got) != len(want) {
		t.Fatalf("unexpected acks: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ack %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestRabbitMQQueueUninitialized(t *testing.T) {
	var q *RabbitMQQueue
	if err := q.Publish(context.Background(), "x"); err == nil {
		t.Fatalf("expected error from nil queue")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close nil queue: %v", err)
	}
}
