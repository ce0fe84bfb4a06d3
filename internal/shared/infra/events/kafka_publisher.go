package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	sharedBus "github.com/davicafu/fieldflow/internal/shared/infra/platform/bus"
)

// KafkaPublisher publica eventos en el topic configurado en el writer. La clave
// de partición sale de Keyer y el tipo viaja en la cabecera "event-type".
type KafkaPublisher struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, log: log}
}

// NewKafkaWriter crea un writer que reparte por hash de la clave, así los
// eventos de una misma base llegan en orden.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event interface{}) error {
	msg, err := buildMessage(event)
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("Error publishing to Kafka", zap.String("topic", p.writer.Topic), zap.Error(err))
		return err
	}

	p.log.Debug("Event published successfully", zap.String("topic", p.writer.Topic), zap.ByteString("key", msg.Key))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func buildMessage(event interface{}) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}

	msg := kafka.Message{Value: data}
	if keyer, ok := event.(sharedBus.Keyer); ok {
		msg.Key = []byte(keyer.PartitionKey())
	}
	if typer, ok := event.(sharedBus.Typer); ok {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "event-type", Value: []byte(typer.EventType())})
	}
	return msg, nil
}

// Verificación estática
var _ sharedBus.EventBus = (*KafkaPublisher)(nil)
