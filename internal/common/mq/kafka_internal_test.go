package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeWriter struct {
	mu      sync.Mutex
	written []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestQueue(reader *fakeReader, writer *fakeWriter) *KafkaQueue {
	return &KafkaQueue{
		config:    KafkaConfig{Brokers: []string{"unused:9092"}},
		writer:    writer,
		newReader: func(string, string) messageReader { return reader },
	}
}

func TestHandleMessageCommitsOnSuccess(t *testing.T) {
	reader := newFakeReader()
	q := newTestQueue(reader, &fakeWriter{})
	sub := &kafkaSubscription{reader: reader, ctx: context.Background(), opts: SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond}}
	calls := 0
	sub.handler = func(context.Context, *Message) error {
		calls++
		return nil
	}
	q.handleMessage(sub, toKafkaMessage("submission.created", &Message{ID: "s-1", Body: []byte("{}")}))
	if calls != 1 || reader.commits() != 1 {
		t.Fatalf("calls=%d commits=%d", calls, reader.commits())
	}
}

func TestHandleMessageDeadLettersAfterRetries(t *testing.T) {
	reader := newFakeReader()
	writer := &fakeWriter{}
	q := newTestQueue(reader, writer)
	sub := &kafkaSubscription{
		reader: reader,
		ctx:    context.Background(),
		opts:   SubscribeOptions{MaxRetries: 2, RetryDelay: time.Millisecond, DeadLetterTopic: "submission.created.dlq"},
	}
	calls := 0
	sub.handler = func(context.Context, *Message) error {
		calls++
		return errors.New("store down")
	}
	q.handleMessage(sub, toKafkaMessage("submission.created", &Message{ID: "s-2", Body: []byte("{}")}))

	if calls != 3 {
		t.Fatalf("expected 1 try + 2 retries, got %d", calls)
	}
	if reader.commits() != 1 {
		t.Fatalf("offset must be committed after dead-lettering")
	}
	if len(writer.written) != 1 || writer.written[0].Topic != "submission.created.dlq" {
		t.Fatalf("dead letter not published: %+v", writer.written)
	}
	if got := fromKafkaMessage(writer.written[0]); got.RetryCount != 3 || got.ID != "s-2" {
		t.Fatalf("dead letter lost metadata: %+v", got)
	}
}

func TestHandleMessageDropsExpired(t *testing.T) {
	reader := newFakeReader()
	q := newTestQueue(reader, &fakeWriter{})
	sub := &kafkaSubscription{reader: reader, ctx: context.Background(), opts: SubscribeOptions{MaxRetries: 1}}
	sub.handler = func(context.Context, *Message) error {
		t.Fatalf("expired message must not reach the handler")
		return nil
	}
	old := &Message{ID: "s-3", Timestamp: time.Now().Add(-time.Hour), Expiration: time.Minute}
	q.handleMessage(sub, toKafkaMessage("t", old))
	if reader.commits() != 1 {
		t.Fatalf("expired message should still be committed")
	}
}

func TestHeadersSurviveEncoding(t *testing.T) {
	in := &Message{ID: "p-1", Body: []byte("x"), RetryCount: 2, MaxRetries: 5, Expiration: 3 * time.Second}
	in.SetHeader("event", "final")
	out := fromKafkaMessage(toKafkaMessage("judge.status.final", in))
	if out.ID != "p-1" || out.RetryCount != 2 || out.MaxRetries != 5 || out.Expiration != 3*time.Second {
		t.Fatalf("metadata mismatch: %+v", out)
	}
	if v, ok := out.GetHeader("event"); !ok || v != "final" {
		t.Fatalf("custom header lost: %v", out.Headers)
	}
}

func TestStartConsumesAndStopWaits(t *testing.T) {
	reader := newFakeReader(toKafkaMessage("t", &Message{ID: "a"}), toKafkaMessage("t", &Message{ID: "b"}))
	q := newTestQueue(reader, &fakeWriter{})

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{}, 2)
	err := q.SubscribeWithOptions(context.Background(), "t", func(_ context.Context, m *Message) error {
		mu.Lock()
		seen[m.ID] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, &SubscribeOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler not invoked")
		}
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("missing messages: %v", seen)
	}
}

func TestTokenLimiter(t *testing.T) {
	l := NewTokenLimiter(2)
	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if l.InUse() != 2 {
		t.Fatalf("in use = %d", l.InUse())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire should time out, got %v", err)
	}
	l.Release()
	l.Release()
	l.Release()
	if l.InUse() != 0 {
		t.Fatalf("extra release must be ignored, in use = %d", l.InUse())
	}
}
