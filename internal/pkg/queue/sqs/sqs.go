package sqs

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
	"go.uber.org/zap"

	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/queue"
)

const (
	maxBatchSize     = 10         // SQS limit for receive and batch delete
	maxWaitSeconds   = 20         // SQS long poll limit
	maxBodyBytes     = 256 * 1024 // SQS message size limit
	receiveTimeSlack = 10 * time.Second
)

// sqsAPI is the subset of *sqs.Client used by SqsActions.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ queue.Client = (*SqsActions)(nil)

// SqsActions provides methods to interact with AWS SQS.
type SqsActions struct {
	client sqsAPI  // AWS SQS client
	Config *Config // Configuration for SQS
}

type Config struct {
	QueueUrl string // SQS queue URL
}

// NewClient creates a new sqs client. A non-empty endpoint overrides the
// resolved service endpoint (LocalStack, VPC endpoints).
func NewClient(ctx context.Context, region string, endpoint string) (*sqs.Client, error) {
	// Load the Shared AWS Configuration
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	// Create an SQS service client
	svc := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return svc, nil
}

// New wraps an SQS client for the queue in cfg.
func New(client sqsAPI, cfg *Config) (*SqsActions, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if cfg == nil || cfg.QueueUrl == "" {
		return nil, errors.New("queue URL is required")
	}
	return &SqsActions{client: client, Config: cfg}, nil
}

// Probe checks that the queue is reachable with the current credentials and
// returns its approximate depth.
func (a *SqsActions) Probe(ctx context.Context) (int, error) {
	out, err := a.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(a.Config.QueueUrl),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, classify("probe", err)
	}
	depth, err := strconv.Atoi(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)])
	if err != nil {
		return 0, nil
	}
	return depth, nil
}

// Receive receives up to opts.MaxMessages messages from the SQS queue.
func (a *SqsActions) Receive(ctx context.Context, opts queue.ReceiveOptions) (queue.Batch, error) {
	maxNum := int32(clamp(opts.MaxMessages, 1, maxBatchSize))
	wait := int32(clamp(int(opts.WaitTime/time.Second), 0, maxWaitSeconds))

	ctx, cancel := context.WithTimeout(ctx, time.Duration(wait)*time.Second+receiveTimeSlack)
	defer cancel()

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(a.Config.QueueUrl),
		MaxNumberOfMessages: maxNum,
		WaitTimeSeconds:     wait,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	}
	if opts.VisibilityTimeout > 0 {
		input.VisibilityTimeout = int32(opts.VisibilityTimeout / time.Second)
	}

	result, err := a.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, classify("receive", err)
	}

	batch := make(queue.Batch, 0, len(result.Messages))
	for _, msg := range result.Messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil {
			logger.Warn("skipping SQS message without id or receipt handle")
			continue
		}
		batch = append(batch, toMessage(msg))
	}
	return batch, nil
}

// DeleteBatch deletes the given deliveries in chunks of ten. A failed chunk
// call is reported on each of its entries; only auth failures abort the call.
func (a *SqsActions) DeleteBatch(ctx context.Context, entries []queue.DeleteEntry) ([]queue.DeleteResult, error) {
	results := make([]queue.DeleteResult, len(entries))
	for i, e := range entries {
		results[i].Entry = e
	}

	for start := 0; start < len(entries); start += maxBatchSize {
		end := min(start+maxBatchSize, len(entries))

		var reqEntries []types.DeleteMessageBatchRequestEntry
		for i := start; i < end; i++ {
			if entries[i].ReceiptHandle == "" {
				results[i].Err = queue.NewValidationError("delete", "ReceiptHandleIsInvalid", errors.New("empty receipt handle"))
				continue
			}
			reqEntries = append(reqEntries, types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)), // positional, unique within the call
				ReceiptHandle: aws.String(entries[i].ReceiptHandle),
			})
		}
		if len(reqEntries) == 0 {
			continue
		}

		out, err := a.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(a.Config.QueueUrl),
			Entries:  reqEntries,
		})
		if err != nil {
			err = classify("delete", err)
			if queue.IsAuth(err) {
				return nil, err
			}
			for _, re := range reqEntries {
				i, _ := strconv.Atoi(*re.Id)
				results[i].Err = err
			}
			continue
		}

		for _, f := range out.Failed {
			i, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || i < start || i >= end {
				logger.Warn("unexpected batch entry id in delete response", zap.String("id", aws.ToString(f.Id)))
				continue
			}
			results[i].Err = batchEntryError(f)
		}
	}

	return results, nil
}

// Send sends body to the SQS queue and returns the message ID.
func (a *SqsActions) Send(ctx context.Context, body []byte, opts queue.SendOptions) (string, error) {
	if len(body) == 0 {
		return "", queue.NewValidationError("send", "EmptyBody", errors.New("message body is empty"))
	}
	if len(body) > maxBodyBytes {
		return "", queue.NewValidationError("send", "MessageTooLong",
			fmt.Errorf("message body is %d bytes, limit is %d", len(body), maxBodyBytes))
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(a.Config.QueueUrl),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(opts.Delay / time.Second),
	}
	if len(opts.Attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(opts.Attributes))
		for k, v := range opts.Attributes {
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	out, err := a.client.SendMessage(ctx, input)
	if err != nil {
		return "", classify("send", err)
	}
	return aws.ToString(out.MessageId), nil
}

func toMessage(msg types.Message) queue.Message {
	m := queue.Message{
		ID:            aws.ToString(msg.MessageId),
		ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		Body:          []byte(aws.ToString(msg.Body)),
		Attributes:    make(map[string]string, len(msg.MessageAttributes)),
	}

	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.SentAt = time.UnixMilli(ms)
		}
	}
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			m.ReceiveCount = n
		}
	}
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			m.Attributes[k] = *v.StringValue
		}
	}
	return m
}

func batchEntryError(f types.BatchResultErrorEntry) error {
	code := aws.ToString(f.Code)
	err := errors.New(aws.ToString(f.Message))
	if f.SenderFault {
		return queue.NewValidationError("delete", code, err)
	}
	return queue.NewTransientError("delete", code, err)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
