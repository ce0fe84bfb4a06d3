package events

import (
	"context"
	"encoding/json"
	"sync"

	sharedBus "github.com/davicafu/fieldflow/internal/shared/infra/platform/bus"
)

// InMemoryEventBus implementa un bus de eventos para UN solo topic.
// Entrega los eventos serializados ([]byte), igual que llegarían desde Kafka.
type InMemoryEventBus struct {
	subscribers []chan interface{}
	mu          sync.RWMutex
	topic       string
}

var (
	_ sharedBus.EventBus   = (*InMemoryEventBus)(nil)
	_ sharedBus.Subscriber = (*InMemoryEventBus)(nil)
)

// NewInMemoryEventBus crea un bus de eventos para un topic específico.
func NewInMemoryEventBus(topic string) *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make([]chan interface{}, 0),
		topic:       topic,
	}
}

// Topic devuelve el topic que maneja este bus.
func (b *InMemoryEventBus) Topic() string { return b.topic }

// Publish envía el evento a todos los suscriptores. Si un suscriptor tiene el
// buffer lleno el evento se descarta para él: el bus nunca bloquea al publicador.
func (b *InMemoryEventBus) Publish(ctx context.Context, event interface{}) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]chan interface{}, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, subChan := range subs {
		select {
		case subChan <- payloadBytes:
		default:
		}
	}
	return nil
}

// Subscribe suscribe un nuevo oyente a este bus.
func (b *InMemoryEventBus) Subscribe(bufferSize int) <-chan interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	subChan := make(chan interface{}, bufferSize)
	b.subscribers = append(b.subscribers, subChan)
	return subChan
}
