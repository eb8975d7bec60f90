package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const maxSQSVisibility = 12 * time.Hour

// SQSConfig configures SQSQueue.
type SQSConfig struct {
	QueueURL string `yaml:"queueUrl"`
	Region   string `yaml:"region"`
	// Endpoint overrides the service endpoint, e.g. for localstack.
	Endpoint string `yaml:"endpoint"`
	// FIFO queues dedupe on the process id.
	FIFO     bool          `yaml:"fifo"`
	WaitTime time.Duration `yaml:"waitTime"`
}

// sqsAPI is the part of *sqs.Client the queue uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue implements Queue on Amazon SQS. SQS has no priorities; the
// priority is carried as a message attribute only.
type SQSQueue struct {
	api sqsAPI
	cfg SQSConfig
}

// NewSQSQueue loads AWS credentials from the default chain.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSQueue(client, cfg), nil
}

func newSQSQueue(api sqsAPI, cfg SQSConfig) *SQSQueue {
	if cfg.WaitTime > 20*time.Second {
		cfg.WaitTime = 20 * time.Second
	}
	return &SQSQueue{api: api, cfg: cfg}
}

func (q *SQSQueue) Enqueue(ctx context.Context, processID string, priority int) error {
	if processID == "" {
		return ErrEmptyProcessID
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(processID),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"priority": {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(priority))},
		},
	}
	if q.cfg.FIFO {
		in.MessageGroupId = aws.String(processID)
		in.MessageDeduplicationId = aws.String(processID)
	}
	if _, err := q.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send %s: %w", processID, err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: 1,
		VisibilityTimeout:   seconds(visibility),
		WaitTimeSeconds:     int32(q.cfg.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}
	msg := out.Messages[0]
	deliveries := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			deliveries = n
		}
	}
	return &Delivery{
		ProcessID:  aws.ToString(msg.Body),
		Receipt:    aws.ToString(msg.ReceiptHandle),
		Deliveries: deliveries,
	}, nil
}

func (q *SQSQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil && !isStaleReceipt(err) {
		return fmt.Errorf("sqs delete %s: %w", d.ProcessID, err)
	}
	return nil
}

func (q *SQSQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	return q.changeVisibility(ctx, d, delay)
}

func (q *SQSQueue) Extend(ctx context.Context, d *Delivery, visibility time.Duration) error {
	return q.changeVisibility(ctx, d, visibility)
}

func (q *SQSQueue) changeVisibility(ctx context.Context, d *Delivery, timeout time.Duration) error {
	if d == nil {
		return nil
	}
	_, err := q.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.cfg.QueueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: seconds(timeout),
	})
	if err != nil && !isStaleReceipt(err) {
		return fmt.Errorf("sqs change visibility %s: %w", d.ProcessID, err)
	}
	return nil
}

func (q *SQSQueue) Stats(ctx context.Context) (Stats, error) {
	out, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("sqs attributes: %w", err)
	}
	attr := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(out.Attributes[string(name)], 10, 64)
		return n
	}
	return Stats{
		Ready:    attr(types.QueueAttributeNameApproximateNumberOfMessages),
		Delayed:  attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
		InFlight: attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
	}, nil
}

func seconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxSQSVisibility {
		d = maxSQSVisibility
	}
	s := int32((d + time.Second - 1) / time.Second)
	return s
}

func isStaleReceipt(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var notInFlight *types.MessageNotInflight
	return errors.As(err, &notInFlight)
}
