// Package testutil runs LocalStack for SQS integration tests.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// LocalStack is a running LocalStack container scoped to a single test.
// Termination is registered on the test's cleanup list.
type LocalStack struct {
	Endpoint string
	SQS      *sqs.Client
}

// Start launches LocalStack with the SQS service and returns a handle with
// an SQS admin client pointed at it. Fails the test when Docker is not
// available.
func Start(ctx context.Context, t *testing.T) *LocalStack {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
	)
	if err != nil {
		t.Fatalf("start localstack: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("localstack endpoint: %v", err)
	}
	url := "http://" + endpoint

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		),
	)
	if err != nil {
		t.Fatalf("aws config: %v", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(url)
	})

	return &LocalStack{Endpoint: url, SQS: client}
}

// CreateQueue creates a standard queue and returns its URL.
func (l *LocalStack) CreateQueue(ctx context.Context, name string) (string, error) {
	out, err := l.SQS.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("create queue %s: %w", name, err)
	}
	return *out.QueueUrl, nil
}

// CreateFIFOQueue creates a FIFO queue. With contentDedup the broker hashes
// message bodies for deduplication; without it publishers must supply
// explicit deduplication IDs.
func (l *LocalStack) CreateFIFOQueue(ctx context.Context, name string, contentDedup bool) (string, error) {
	out, err := l.SQS.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name + ".fifo"),
		Attributes: map[string]string{
			"FifoQueue":                 "true",
			"ContentBasedDeduplication": strconv.FormatBool(contentDedup),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create fifo queue %s: %w", name, err)
	}
	return *out.QueueUrl, nil
}
