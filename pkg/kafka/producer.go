// Package kafka emits issue and run events for downstream analytics.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/thistle/pkg/appctx"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Event types carried in the event_type header.
const (
	EventIssueDetected = "issue.detected"
	EventRunFinished   = "run.finished"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	IssueTopic   string
	RunTopic     string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// Producer publishes to the issue and run topics
type Producer struct {
	writer     messageWriter
	logger     ectologger.Logger
	issueTopic string
	runTopic   string
}

// NewProducer creates a new Kafka producer. Topics are set per message.
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return newProducer(writer, cfg, logger)
}

func newProducer(writer messageWriter, cfg ProducerConfig, logger ectologger.Logger) *Producer {
	return &Producer{
		writer:     writer,
		logger:     logger,
		issueTopic: cfg.IssueTopic,
		runTopic:   cfg.RunTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// IssueEvent is one reconciled issue as seen by a run
type IssueEvent struct {
	EventType string       `json:"event_type"`
	RunID     string       `json:"run_id"`
	Issue     models.Issue `json:"issue"`
	Timestamp time.Time    `json:"timestamp"`
}

// RunEvent is a terminal run summary
type RunEvent struct {
	EventType string     `json:"event_type"`
	Run       models.Run `json:"run"`
	Timestamp time.Time  `json:"timestamp"`
}

// PublishIssues sends one message per issue keyed by issue id, so events for
// the same issue stay ordered on one partition.
func (p *Producer) PublishIssues(ctx context.Context, runID string, issues []models.Issue) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishIssues")
	defer span.End()

	if len(issues) == 0 {
		return nil
	}

	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(issues))
	for _, issue := range issues {
		data, err := json.Marshal(IssueEvent{EventType: EventIssueDetected, RunID: runID, Issue: issue, Timestamp: now})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.issueTopic,
			Key:   []byte(issue.ID),
			Value: data,
			Headers: append([]kafka.Header{
				{Key: "event_type", Value: []byte(EventIssueDetected)},
				{Key: "run_id", Value: []byte(runID)},
				{Key: "issue_type", Value: []byte(issue.IssueType)},
				{Key: "severity", Value: []byte(issue.Severity)},
			}, contextHeaders(ctx)...),
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		tracing.RecordError(span, err)
		metrics.EventsPublished.WithLabelValues(p.issueTopic, "error").Add(float64(len(msgs)))
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID, "count": len(msgs)}).Error("Failed to publish issue events")
		return err
	}

	metrics.EventsPublished.WithLabelValues(p.issueTopic, "ok").Add(float64(len(msgs)))
	p.logger.WithContext(ctx).WithFields(map[string]any{"run_id": runID, "count": len(msgs)}).Debug("Published issue events")
	return nil
}

// PublishRun sends the terminal run summary keyed by run id.
func (p *Producer) PublishRun(ctx context.Context, run *models.Run) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishRun")
	defer span.End()

	data, err := json.Marshal(RunEvent{EventType: EventRunFinished, Run: *run, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.runTopic,
		Key:   []byte(run.RunID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventRunFinished)},
			{Key: "status", Value: []byte(run.Status)},
			{Key: "trigger", Value: []byte(run.Trigger)},
		},
	}
	if requestID := appctx.GetRequestID(ctx); requestID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "request_id", Value: []byte(requestID)})
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		tracing.RecordError(span, err)
		metrics.EventsPublished.WithLabelValues(p.runTopic, "error").Inc()
		p.logger.WithContext(ctx).WithError(err).WithField("run_id", run.RunID).Error("Failed to publish run event")
		return err
	}

	metrics.EventsPublished.WithLabelValues(p.runTopic, "ok").Inc()
	p.logger.WithContext(ctx).WithFields(map[string]any{"run_id": run.RunID, "status": string(run.Status)}).Debug("Published run event")
	return nil
}

// contextHeaders carries the request and trigger that started the run onto issue events.
func contextHeaders(ctx context.Context) []kafka.Header {
	var headers []kafka.Header
	if trigger := appctx.GetTrigger(ctx); trigger != "" {
		headers = append(headers, kafka.Header{Key: "trigger", Value: []byte(trigger)})
	}
	if requestID := appctx.GetRequestID(ctx); requestID != "" {
		headers = append(headers, kafka.Header{Key: "request_id", Value: []byte(requestID)})
	}
	return headers
}

// NoopPublisher drops every event; used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishIssues(context.Context, string, []models.Issue) error { return nil }

func (NoopPublisher) PublishRun(context.Context, *models.Run) error { return nil }
