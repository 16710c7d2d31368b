package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/taxi-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

var ErrMissingTaxiID = errors.New("telemetry without taxi id")

// KafkaProducer publishes taxi telemetry keyed by taxi id, so reports for one
// taxi stay ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishTelemetry(ctx context.Context, tm models.TaxiTelemetry) error {
	if tm.TaxiID == "" {
		return ErrMissingTaxiID
	}
	if tm.ReportedAt.IsZero() {
		tm.ReportedAt = time.Now().UTC()
	}
	b, err := json.Marshal(tm)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(tm.TaxiID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeTelemetry parses a telemetry message read from the topic.
func DecodeTelemetry(b []byte) (models.TaxiTelemetry, error) {
	var tm models.TaxiTelemetry
	if err := json.Unmarshal(b, &tm); err != nil {
		return tm, err
	}
	if tm.TaxiID == "" {
		return tm, ErrMissingTaxiID
	}
	return tm, nil
}
