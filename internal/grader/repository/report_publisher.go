package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"time"

	"fuzgrader/internal/common/mq"
	"fuzgrader/internal/common/storage"
	"fuzgrader/internal/grader/formatter"
	appErr "fuzgrader/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// EventGradingFinished is the type of the event sent after a report is built.
const EventGradingFinished = "grading.finished"

// ReportPublisher delivers a finished report somewhere outside the process.
type ReportPublisher interface {
	PublishReport(ctx context.Context, runID string, report *formatter.Report) error
}

// ObjectReportPublisher uploads reports to object storage as
// <prefix>/<runID>.json, or .json.zst when compressed.
type ObjectReportPublisher struct {
	storage  storage.ObjectStorage
	bucket   string
	prefix   string
	compress bool
}

// NewObjectReportPublisher creates a storage-backed publisher.
func NewObjectReportPublisher(store storage.ObjectStorage, bucket, prefix string, compress bool) *ObjectReportPublisher {
	return &ObjectReportPublisher{storage: store, bucket: bucket, prefix: prefix, compress: compress}
}

// ReportKey returns the object key of a run's report.
func (p *ObjectReportPublisher) ReportKey(runID string) string {
	name := runID + ".json"
	if p.compress {
		name += ".zst"
	}
	if p.prefix == "" {
		return name
	}
	return path.Join(p.prefix, name)
}

// PublishReport implements ReportPublisher.
func (p *ObjectReportPublisher) PublishReport(ctx context.Context, runID string, report *formatter.Report) error {
	if p == nil || p.storage == nil {
		return appErr.New(appErr.ReportPublishFailed).WithMessage("report storage is not configured")
	}
	if p.bucket == "" {
		return appErr.ValidationError("bucket", "required")
	}
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	data, err := formatter.Marshal(report)
	if err != nil {
		return err
	}
	contentType := "application/json"
	if p.compress {
		if data, err = compressReport(data); err != nil {
			return err
		}
		contentType = "application/zstd"
	}
	if err := p.storage.PutObject(ctx, p.bucket, p.ReportKey(runID), bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "upload report failed")
	}
	return nil
}

func compressReport(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportEncodeFailed, "create zstd encoder failed")
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// GradingEvent summarizes a finished run.
type GradingEvent struct {
	Type        string  `json:"type"`
	RunID       string  `json:"runId"`
	Score       float64 `json:"score"`
	MaxScore    float64 `json:"maxScore"`
	TotalTests  int     `json:"totalTests"`
	PassedTests int     `json:"passedTests"`
	FailedTests int     `json:"failedTests"`
	CreatedAt   int64   `json:"createdAt"`
}

// NewGradingEvent builds the event for report.
func NewGradingEvent(runID string, report *formatter.Report) GradingEvent {
	event := GradingEvent{
		Type:       EventGradingFinished,
		RunID:      runID,
		Score:      report.Score,
		TotalTests: len(report.Tests),
		CreatedAt:  time.Now().Unix(),
	}
	for _, tr := range report.Tests {
		if tr.MaxScore != nil {
			event.MaxScore += *tr.MaxScore
		}
		switch tr.Status {
		case "passed":
			event.PassedTests++
		case "failed":
			event.FailedTests++
		}
	}
	return event
}

// MQReportPublisher publishes a GradingEvent to a message queue topic.
type MQReportPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQReportPublisher creates a queue-backed publisher.
func NewMQReportPublisher(producer mq.Producer, topic string) *MQReportPublisher {
	return &MQReportPublisher{producer: producer, topic: topic}
}

// PublishReport implements ReportPublisher.
func (p *MQReportPublisher) PublishReport(ctx context.Context, runID string, report *formatter.Report) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ReportPublishFailed).WithMessage("event producer is not configured")
	}
	if p.topic == "" {
		return appErr.ValidationError("topic", "required")
	}
	if runID == "" {
		return appErr.ValidationError("run_id", "required")
	}
	payload, err := json.Marshal(NewGradingEvent(runID, report))
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportEncodeFailed, "marshal grading event failed")
	}
	message := mq.NewMessage(payload)
	message.ID = runID
	message.SetHeader("event", EventGradingFinished)
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "publish grading event failed")
	}
	return nil
}

var (
	_ ReportPublisher = (*ObjectReportPublisher)(nil)
	_ ReportPublisher = (*MQReportPublisher)(nil)
)
