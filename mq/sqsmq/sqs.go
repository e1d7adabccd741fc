// Package sqsmq backs the MessageQueue interface with SQS. The
// userserver runs a single queue carrying asynchronous room re-sync
// jobs, so the shape is deliberately small: send a JSON body, receive
// one job at a time, delete on completion.
package sqsmq

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segment-chat/segment/mq"
)

// Long polling keeps the consumer loop cheap between re-sync jobs.
const receiveWaitSeconds = 20

type SQSMessageQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSMessageQueue(ctx context.Context, devMode bool, sqsEndpoint string, queueName string) (*SQSMessageQueue, error) {
	client, err := newSQSClient(ctx, devMode, sqsEndpoint)
	if err != nil {
		return nil, err
	}

	urlOut, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return nil, fmt.Errorf("resolving queue '%s': %w", queueName, err)
	}

	return &SQSMessageQueue{
		client:   client,
		queueURL: aws.ToString(urlOut.QueueUrl),
	}, nil
}

func (q *SQSMessageQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	return err
}

// Receive long-polls for a single job. A nil message with a nil error
// means the poll came back empty.
func (q *SQSMessageQueue) Receive(ctx context.Context, visibilityTimeout int32) (*mq.Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     receiveWaitSeconds,
		VisibilityTimeout:   visibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	// The receipt handle, not the SQS message id, is what Delete needs
	received := out.Messages[0]
	return &mq.Message{
		Id:   aws.ToString(received.ReceiptHandle),
		Body: aws.ToString(received.Body),
	}, nil
}

func (q *SQSMessageQueue) Delete(ctx context.Context, msg *mq.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Id),
	})
	return err
}
