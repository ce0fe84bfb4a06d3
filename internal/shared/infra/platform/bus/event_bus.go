package bus

import "context"

// Keyer lo implementan los eventos que necesitan una clave de partición estable
// (por ejemplo, el baseId para que los eventos de una misma base vayan ordenados).
type Keyer interface {
	PartitionKey() string
}

// Typer lo implementan los eventos que exponen su tipo; los adapters lo envían
// como cabecera.
type Typer interface {
	EventType() string
}

// EventBus publica eventos de integración. El topic y el formato del payload
// los decide cada adapter (Kafka, memoria).
type EventBus interface {
	Publish(ctx context.Context, event interface{}) error
}

// Subscriber es la parte de lectura de un bus en memoria.
type Subscriber interface {
	Subscribe(bufferSize int) <-chan interface{}
}
