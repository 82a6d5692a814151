package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"taskping/internal/tracker"
	logx "taskping/pkg/logx"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// relayEnvelope is the message shape on the relay topic: webhooks
// forwarded by an edge receiver when the engine host is not directly
// reachable from the providers.
type relayEnvelope struct {
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaConsumer drains the relay topic into the engine.
type KafkaConsumer struct {
	log    logx.Logger
	eng    WebhookEngine
	reader *kafka.Reader

	done chan struct{}
}

func NewKafkaConsumer(cfg KafkaConfig, eng WebhookEngine, log logx.Logger) *KafkaConsumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
	})
	return &KafkaConsumer{log: log, eng: eng, reader: r, done: make(chan struct{})}
}

// Run consumes until ctx is cancelled. Malformed messages are logged
// and committed so they never wedge the partition.
func (k *KafkaConsumer) Run(ctx context.Context) {
	defer close(k.done)
	k.log.Info("kafka relay consumer started", logx.String("topic", k.reader.Config().Topic))

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			k.log.Error("kafka read failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		var env relayEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			k.log.Warn("discarding malformed relay message",
				logx.Int64("offset", msg.Offset), logx.Err(err))
			continue
		}
		if env.Source == "" || len(env.Payload) == 0 {
			continue
		}

		wd := tracker.WebhookDelivery{
			Source:    env.Source,
			EventType: env.EventType,
			Payload:   []byte(env.Payload),
		}
		if err := k.eng.HandleWebhook(ctx, wd); err != nil {
			// Processing failures don't block the topic; the periodic pass
			// is the safety net for anything lost here.
			k.log.Error("relay webhook handling failed",
				logx.String("source", env.Source),
				logx.String("event", env.EventType),
				logx.Err(err))
		}
	}
}

// Close stops the reader and waits for Run to return.
func (k *KafkaConsumer) Close() error {
	err := k.reader.Close()
	<-k.done
	return err
}
