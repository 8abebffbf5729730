package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"iot-gateway/internal/model"
)

// KafkaChannel produces to the config topic with one writer per config.
// TargetURL holds a comma separated broker list.
type KafkaChannel struct {
	mu      sync.Mutex
	writers map[int64]*kafkaEntry
}

type kafkaEntry struct {
	writer  *kafka.Writer
	brokers string
}

func NewKafkaChannel() *KafkaChannel {
	return &KafkaChannel{writers: make(map[int64]*kafkaEntry)}
}

func (k *KafkaChannel) Send(ctx context.Context, cfg model.PushConfig, msg Message) error {
	if cfg.Topic == "" {
		return errors.New("kafka topic is required")
	}
	w, err := k.writer(cfg)
	if err != nil {
		return err
	}
	m := kafka.Message{
		Topic: Topic(cfg.Topic, msg.DeviceKey),
		Key:   []byte(msg.DeviceKey),
		Value: msg.Body,
	}
	if msg.TraceID != "" {
		m.Headers = []kafka.Header{{Key: "traceId", Value: []byte(msg.TraceID)}}
	}
	if err := w.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (k *KafkaChannel) writer(cfg model.PushConfig) (*kafka.Writer, error) {
	var brokers []string
	for _, b := range strings.Split(cfg.TargetURL, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.writers[cfg.ID]; ok {
		if e.brokers == cfg.TargetURL {
			return e.writer, nil
		}
		_ = e.writer.Close()
	}
	// the pipeline retries, so the writer makes a single attempt
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		Transport:    &kafka.Transport{ClientID: "iot-gateway"},
	}
	k.writers[cfg.ID] = &kafkaEntry{writer: w, brokers: cfg.TargetURL}
	return w, nil
}

func (k *KafkaChannel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	for id, e := range k.writers {
		errs = append(errs, e.writer.Close())
		delete(k.writers, id)
	}
	return errors.Join(errs...)
}
