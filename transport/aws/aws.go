// Package aws provides the SNS/SQS queue provider for runlet. A fanout
// subscription from an SNS topic into a per-service SQS queue is created on
// attach, and the consumer boundary maps onto ReceiveMessage, DeleteMessage,
// and ChangeMessageVisibility. A custom endpoint (for example LocalStack)
// is supported for local development.
package aws

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/runlet-io/runlet/internal/runtime/logging"
	"github.com/runlet-io/runlet/internal/runtime/metadata"
	"github.com/runlet-io/runlet/transport"
)

// ProviderName is the name used to register this provider.
const ProviderName = "aws"

// SQS caps a single receive call at ten messages.
const maxReceiveBatch = 10

var AWSDefaultConfigLoader = awsconfig.LoadDefaultConfig

func init() {
	transport.Register(ProviderName, Build)
}

// SNSClient is the subset of the SNS API the provider uses.
type SNSClient interface {
	CreateTopic(ctx context.Context, params *amazonsns.CreateTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *amazonsns.SubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error)
	Publish(ctx context.Context, params *amazonsns.PublishInput, optFns ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error)
}

// SQSClient is the subset of the SQS API the provider uses.
type SQSClient interface {
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *amazonsqs.SetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
}

// Provider implements transport.QueueProvider on SNS/SQS.
type Provider struct {
	sns    SNSClient
	sqs    SQSClient
	logger logging.ServiceLogger

	mu        sync.Mutex
	topicARNs map[string]string // topic name -> ARN
	queueURLs map[string]string // queue name -> URL
}

// Build creates an SNS/SQS provider from the runlet config.
func Build(ctx context.Context, cfg transport.Config, logger logging.ServiceLogger) (transport.QueueProvider, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var snsOpts []func(*amazonsns.Options)
	var sqsOpts []func(*amazonsqs.Options)
	if endpoint := cfg.GetAWSEndpoint(); endpoint != "" {
		snsOpts = append(snsOpts, func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) })
		sqsOpts = append(sqsOpts, func(o *amazonsqs.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}

	return NewProvider(
		amazonsns.NewFromConfig(*awsCfg, snsOpts...),
		amazonsqs.NewFromConfig(*awsCfg, sqsOpts...),
		logger,
	), nil
}

// NewProvider wires a provider around existing SNS/SQS clients. Tests supply
// fakes here.
func NewProvider(snsClient SNSClient, sqsClient SQSClient, logger logging.ServiceLogger) *Provider {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Provider{
		sns:       snsClient,
		sqs:       sqsClient,
		logger:    logger,
		topicARNs: make(map[string]string),
		queueURLs: make(map[string]string),
	}
}

func loadAWSConfig(ctx context.Context, conf transport.Config, logger logging.ServiceLogger) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if region := conf.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if conf.GetAWSAccessKeyID() != "" && conf.GetAWSSecretAccessKey() != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(
			staticCredentialsProvider(conf.GetAWSAccessKeyID(), conf.GetAWSSecretAccessKey())))
	}

	cfg, err := AWSDefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, logging.LogFields{
			"requested_region": conf.GetAWSRegion(),
		})
		return nil, err
	}
	// Ensure region is set even if the loader ignores options (e.g. in tests).
	if region := conf.GetAWSRegion(); region != "" {
		cfg.Region = region
	}

	return &cfg, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// Attach creates (idempotently) the SNS topic and SQS queue and subscribes
// the queue to the topic with raw message delivery.
func (p *Provider) Attach(ctx context.Context, topic, queue string) error {
	topicARN, err := p.ensureTopic(ctx, topic)
	if err != nil {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}

	queueURL, queueARN, err := p.ensureQueue(ctx, queue)
	if err != nil {
		return fmt.Errorf("ensure queue %s: %w", queue, err)
	}

	policy := queuePolicy(queueARN, topicARN)
	_, err = p.sqs.SetQueueAttributes(ctx, &amazonsqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNamePolicy): policy,
		},
	})
	if err != nil {
		return fmt.Errorf("set queue policy for %s: %w", queue, err)
	}

	_, err = p.sns.Subscribe(ctx, &amazonsns.SubscribeInput{
		TopicArn: aws.String(topicARN),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(queueARN),
		Attributes: map[string]string{
			"RawMessageDelivery": "true",
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", queue, topic, err)
	}

	p.logger.Info("Attached queue to topic", logging.LogFields{
		"topic": topic,
		"queue": queue,
	})
	return nil
}

func (p *Provider) ensureTopic(ctx context.Context, topic string) (string, error) {
	p.mu.Lock()
	arn, ok := p.topicARNs[topic]
	p.mu.Unlock()
	if ok {
		return arn, nil
	}

	out, err := p.sns.CreateTopic(ctx, &amazonsns.CreateTopicInput{Name: aws.String(topic)})
	if err != nil {
		return "", err
	}

	arn = aws.ToString(out.TopicArn)
	p.mu.Lock()
	p.topicARNs[topic] = arn
	p.mu.Unlock()
	return arn, nil
}

func (p *Provider) ensureQueue(ctx context.Context, queue string) (string, string, error) {
	out, err := p.sqs.CreateQueue(ctx, &amazonsqs.CreateQueueInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", "", err
	}
	queueURL := aws.ToString(out.QueueUrl)

	attrs, err := p.sqs.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", err
	}
	queueARN := attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]

	p.mu.Lock()
	p.queueURLs[queue] = queueURL
	p.mu.Unlock()
	return queueURL, queueARN, nil
}

func (p *Provider) queueURL(ctx context.Context, queue string) (string, error) {
	p.mu.Lock()
	u, ok := p.queueURLs[queue]
	p.mu.Unlock()
	if ok {
		return u, nil
	}

	out, err := p.sqs.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", err
	}
	u = aws.ToString(out.QueueUrl)

	p.mu.Lock()
	p.queueURLs[queue] = u
	p.mu.Unlock()
	return u, nil
}

// Receive long-polls the queue for up to maxBatch messages.
func (p *Provider) Receive(ctx context.Context, queue string, maxBatch int, wait time.Duration) ([]transport.Delivery, error) {
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	if maxBatch <= 0 || maxBatch > maxReceiveBatch {
		maxBatch = maxReceiveBatch
	}
	waitSeconds := int32(wait / time.Second)
	if waitSeconds > 20 {
		waitSeconds = 20
	}

	out, err := p.sqs.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(maxBatch),
		WaitTimeSeconds:     waitSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, err
	}

	deliveries := make([]transport.Delivery, 0, len(out.Messages))
	now := time.Now()
	for _, msg := range out.Messages {
		attrs := metadata.Metadata{}
		for name, attr := range msg.MessageAttributes {
			attrs[name] = aws.ToString(attr.StringValue)
		}

		attempt := 0
		if raw, ok := msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
			attempt, _ = strconv.Atoi(raw)
		}

		deliveries = append(deliveries, transport.Delivery{
			Topic:      attrs.Get("runlet_topic"),
			Payload:    []byte(aws.ToString(msg.Body)),
			Receipt:    aws.ToString(msg.ReceiptHandle),
			Attributes: attrs,
			ReceivedAt: now,
			Attempt:    attempt,
		})
	}
	return deliveries, nil
}

// Delete removes the message from the queue.
func (p *Provider) Delete(ctx context.Context, queue, receipt string) error {
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = p.sqs.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

// ReturnForRedelivery makes the message immediately visible again.
func (p *Provider) ReturnForRedelivery(ctx context.Context, queue, receipt string) error {
	queueURL, err := p.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	_, err = p.sqs.ChangeMessageVisibility(ctx, &amazonsqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	})
	return err
}

// Publish sends the payload to the SNS topic with the metadata as message
// attributes. The topic name travels as the runlet_topic attribute so
// consumers can recover it under raw message delivery.
func (p *Provider) Publish(ctx context.Context, topic string, payload []byte, attrs metadata.Metadata) error {
	topicARN, err := p.ensureTopic(ctx, topic)
	if err != nil {
		return err
	}

	msgAttrs := make(map[string]snstypes.MessageAttributeValue, len(attrs)+1)
	for k, v := range attrs {
		msgAttrs[k] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	msgAttrs["runlet_topic"] = snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(topic),
	}

	_, err = p.sns.Publish(ctx, &amazonsns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: msgAttrs,
	})
	return err
}

// Close releases nothing; the SDK clients hold no long-lived connections the
// provider owns.
func (p *Provider) Close() error { return nil }

func queuePolicy(queueARN, topicARN string) string {
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "sns.amazonaws.com"},
      "Action": "sqs:SendMessage",
      "Resource": %q,
      "Condition": {"ArnEquals": {"aws:SourceArn": %q}}
    }
  ]
}`, queueARN, topicARN)
}
