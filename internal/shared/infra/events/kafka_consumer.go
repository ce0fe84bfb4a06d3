package events

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler define la interfaz que debe cumplir cualquier consumidor de eventos.
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, payload []byte)
}

// ConsumerAdapter lee de Kafka y confirma el offset sólo después de que el
// handler termine: un reinicio puede repetir mensajes pero no perderlos.
type ConsumerAdapter struct {
	reader  *kafka.Reader
	handler MessageHandler
	log     *zap.Logger
}

func NewConsumerAdapter(reader *kafka.Reader, handler MessageHandler, log *zap.Logger) *ConsumerAdapter {
	return &ConsumerAdapter{reader: reader, handler: handler, log: log}
}

// Start lanza el bucle de consumo en una goroutine y vuelve enseguida.
func (c *ConsumerAdapter) Start(ctx context.Context) {
	topic := c.reader.Config().Topic
	c.log.Info("🎧 Iniciando consumidor de Kafka...",
		zap.String("topic", topic),
		zap.String("group_id", c.reader.Config().GroupID),
		zap.Strings("brokers", c.reader.Config().Brokers),
	)

	go func() {
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.log.Info("🛑 Consumidor de Kafka detenido.", zap.String("topic", topic))
					return
				}
				c.log.Error("Error al leer mensaje de Kafka", zap.String("topic", topic), zap.Error(err))
				continue
			}

			c.handler.HandleMessage(ctx, string(msg.Key), msg.Value)

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.log.Warn("⚠️ No se pudo confirmar el offset",
					zap.String("topic", topic),
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
		}
	}()
}

// BackgroundConsumerChan consume un canal del bus en memoria con el handler
// que usaría Kafka. Los mensajes que no son []byte se ignoran.
func BackgroundConsumerChan(ctx context.Context, ch <-chan interface{}, handler MessageHandler) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload, ok := msg.([]byte)
				if !ok {
					continue
				}
				handler.HandleMessage(ctx, "", payload)
			}
		}
	}()
}
