package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/jcvi-cohort-engine/internal/domain"
	"github.com/jcvi-cohort-engine/internal/results"
	"github.com/jcvi-cohort-engine/pkg/formula"
)

const (
	// EventType labels every published row.
	EventType   = "cohort.row"
	eventSource = "cohort-extractor"
)

// RowEvent is the message body published for each patient.
type RowEvent struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	Source    string                   `json:"source"`
	RunID     string                   `json:"run_id"`
	PatientID string                   `json:"patient_id"`
	Status    results.Status           `json:"status"`
	Values    map[string]formula.Value `json:"values,omitempty"`
	ErrorCode string                   `json:"error_code,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each record to a topic, keyed by patient ID so a
// patient's rows stay on one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *logrus.Logger
}

// NewKafkaSink builds a synchronous producer for cfg.Topic.
func NewKafkaSink(cfg domain.KafkaConfig, logger *logrus.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaSink(writer, cfg.Topic, logger), nil
}

func newKafkaSink(w messageWriter, topic string, logger *logrus.Logger) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

func (k *KafkaSink) Write(ctx context.Context, rec *results.Record) error {
	event := RowEvent{
		ID:        uuid.New().String(),
		Type:      EventType,
		Source:    eventSource,
		RunID:     rec.RunID,
		PatientID: rec.PatientID,
		Status:    rec.Status,
		Values:    rec.Values,
		ErrorCode: rec.ErrorCode,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal row event: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(rec.PatientID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(EventType)},
			{Key: "run-id", Value: []byte(rec.RunID)},
		},
	}

	if err := k.writer.WriteMessages(ctx, message); err != nil {
		k.logger.WithError(err).WithFields(logrus.Fields{
			"event_id":   event.ID,
			"patient_id": rec.PatientID,
			"topic":      k.topic,
		}).Error("Failed to publish cohort row")
		return fmt.Errorf("publishing patient %s: %w", rec.PatientID, err)
	}

	k.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"patient_id": rec.PatientID,
		"topic":      k.topic,
	}).Debug("Cohort row published")
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
