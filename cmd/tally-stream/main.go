// Command tally-stream is the Lambda entrypoint auditing tally's DynamoDB streams.
//
// A Lambda function cannot be scraped, so when TALLY_PUSHGATEWAY_URL is set
// the counters are pushed to that Pushgateway after every invocation,
// grouped by the function's log stream (one per execution environment).
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/stream"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("TALLY_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	h := stream.NewHandler(logger, stream.WithMetrics(metrics.New(reg)))

	var pusher *push.Pusher
	if url := os.Getenv("TALLY_PUSHGATEWAY_URL"); url != "" {
		pusher = metrics.NewPusher(url, "tally-stream", os.Getenv("AWS_LAMBDA_LOG_STREAM_NAME"), reg)
	}
	lambda.Start(handler(h, pusher, logger))
}

// handler runs the audit and then pushes metrics. A failed push is logged
// but does not fail the batch, so stream records are not redelivered for it.
func handler(h *stream.Handler, pusher *push.Pusher, logger *slog.Logger) func(context.Context, events.DynamoDBEvent) error {
	return func(ctx context.Context, e events.DynamoDBEvent) error {
		err := h.HandleChanges(ctx, e)
		if pusher != nil {
			if pushErr := pusher.AddContext(ctx); pushErr != nil {
				logger.Warn("failed to push metrics", "error", pushErr)
			}
		}
		return err
	}
}
