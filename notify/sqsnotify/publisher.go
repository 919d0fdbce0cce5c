// Package sqsnotify delivers notifications to an SQS queue consumed by
// downstream alerting and email workers.
package sqsnotify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/goliatone/go-fulfillment"
)

// SQSAPI is the slice of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// message is the queue payload shape.
type message struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

// Publisher implements fulfillment.Notifier over an SQS queue.
type Publisher struct {
	client   SQSAPI
	queueURL string
}

func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

func (p *Publisher) Send(ctx context.Context, n fulfillment.Notification) error {
	body, err := json.Marshal(message{
		Title:    n.Title,
		Body:     n.Body,
		Severity: string(n.Severity),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	payload := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &payload,
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"severity": {
				DataType:    awsString("String"),
				StringValue: awsString(string(n.Severity)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
