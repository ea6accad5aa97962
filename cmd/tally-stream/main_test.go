package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/stream"
)

func gapEvent() events.DynamoDBEvent {
	image := func(version string) map[string]events.DynamoDBAttributeValue {
		return map[string]events.DynamoDBAttributeValue{
			"account_id":   events.NewStringAttribute("abc"),
			"account_type": events.NewStringAttribute("savings"),
			"balance":      events.NewNumberAttribute("10"),
			"version":      events.NewNumberAttribute(version),
		}
	}
	return events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{{
		EventName: "MODIFY",
		Change:    events.DynamoDBStreamRecord{OldImage: image("1"), NewImage: image("4")},
	}}}
}

func TestHandler_PushesAfterInvocation(t *testing.T) {
	bodies := make(chan string, 2)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- r.URL.Path + " " + string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := stream.NewHandler(logger, stream.WithMetrics(metrics.New(reg)))
	pusher := metrics.NewPusher(gateway.URL, "tally-stream", "env-1", reg)

	require.NoError(t, handler(h, pusher, logger)(context.Background(), gapEvent()))

	got := <-bodies
	assert.Contains(t, got, "/metrics/job/tally-stream/instance/env-1")
	assert.Contains(t, got, "tally_stream_version_gaps_total")
}

func TestHandler_PushFailureDoesNotFailBatch(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer gateway.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	reg := prometheus.NewRegistry()
	h := stream.NewHandler(logger, stream.WithMetrics(metrics.New(reg)))

	err := handler(h, metrics.NewPusher(gateway.URL, "tally-stream", "", reg), logger)(context.Background(), gapEvent())
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "failed to push metrics")
}

func TestHandler_NoPusher(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := stream.NewHandler(logger)
	assert.NoError(t, handler(h, nil, logger)(context.Background(), events.DynamoDBEvent{}))
}
