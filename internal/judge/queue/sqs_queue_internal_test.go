package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type fakeSQS struct {
	sent       []*sqs.SendMessageInput
	receive    *sqs.ReceiveMessageOutput
	lastRecv   *sqs.ReceiveMessageInput
	deleted    []string
	visibility []int32
	deleteErr  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.lastRecv = in
	if f.receive == nil {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	return f.receive, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, f.deleteErr
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.visibility = append(f.visibility, in.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(context.Context, *sqs.GetQueueAttributesInput, ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		"ApproximateNumberOfMessages":           "3",
		"ApproximateNumberOfMessagesDelayed":    "1",
		"ApproximateNumberOfMessagesNotVisible": "2",
	}}, nil
}

func TestSQSQueueEnqueueFIFO(t *testing.T) {
	api := &fakeSQS{}
	q := newSQSQueue(api, SQSConfig{QueueURL: "https://sqs/q.fifo", FIFO: true})
	if err := q.Enqueue(context.Background(), "p1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	in := api.sent[0]
	if aws.ToString(in.MessageBody) != "p1" || aws.ToString(in.MessageDeduplicationId) != "p1" {
		t.Fatalf("unexpected send input: %+v", in)
	}
	if aws.ToString(in.MessageAttributes["priority"].StringValue) != "5" {
		t.Fatalf("priority attribute missing")
	}
}

func TestSQSQueueDequeue(t *testing.T) {
	api := &fakeSQS{}
	q := newSQSQueue(api, SQSConfig{QueueURL: "u", WaitTime: time.Minute})

	d, err := q.Dequeue(context.Background(), 90*time.Second)
	if err != nil || d != nil {
		t.Fatalf("empty receive = %+v, %v", d, err)
	}
	if api.lastRecv.VisibilityTimeout != 90 || api.lastRecv.WaitTimeSeconds != 20 {
		t.Fatalf("receive input = %+v", api.lastRecv)
	}

	api.receive = &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		Body:          aws.String("p9"),
		ReceiptHandle: aws.String("r-1"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	d, err = q.Dequeue(context.Background(), time.Minute)
	if err != nil || d.ProcessID != "p9" || d.Receipt != "r-1" || d.Deliveries != 3 {
		t.Fatalf("delivery = %+v, %v", d, err)
	}
}

func TestSQSQueueAckNackExtend(t *testing.T) {
	api := &fakeSQS{deleteErr: &types.ReceiptHandleIsInvalid{}}
	q := newSQSQueue(api, SQSConfig{QueueURL: "u"})
	d := &Delivery{ProcessID: "p1", Receipt: "r-1"}
	ctx := context.Background()

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("stale receipt should be ignored, got %v", err)
	}
	_ = q.Nack(ctx, d, 0)
	_ = q.Nack(ctx, d, 1500*time.Millisecond)
	_ = q.Extend(ctx, d, 24*time.Hour)
	want := []int32{0, 2, 43200}
	for i, v := range want {
		if api.visibility[i] != v {
			t.Fatalf("visibility[%d] = %d, want %d", i, api.visibility[i], v)
		}
	}
}

func TestSQSQueueStats(t *testing.T) {
	q := newSQSQueue(&fakeSQS{}, SQSConfig{QueueURL: "u"})
	stats, err := q.Stats(context.Background())
	if err != nil || stats != (Stats{Ready: 3, Delayed: 1, InFlight: 2}) {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
}
