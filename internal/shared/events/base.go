package events

import (
	"encoding/json"
	"time"
)

// Topics de integración del motor de campos calculados.
const (
	// TaskTopic recibe los eventos de ciclo de vida de las tareas de outbox
	// (taskProcessing, taskCompleted, taskCancelled, taskFailed).
	TaskTopic = "fieldflow.tasks"
	// ChangeTopic recibe los cambios de registros/campos que alimentan al planner.
	ChangeTopic = "fieldflow.changes"
)

// IntegrationEvent es la envoltura común de todos los eventos de integración.
type IntegrationEvent struct {
	Type      string          `json:"type"`
	Key       string          `json:"key,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"` // contenido específico del evento
}

// PartitionKey permite que los adapters particionen por la clave del evento.
func (e IntegrationEvent) PartitionKey() string {
	return e.Key
}

// EventType lo usan los adapters para etiquetar el mensaje sin decodificarlo.
func (e IntegrationEvent) EventType() string {
	return e.Type
}

// NewIntegrationEvent serializa 'data' y construye la envoltura.
func NewIntegrationEvent(eventType, key string, data interface{}, at time.Time) (IntegrationEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return IntegrationEvent{}, err
	}
	return IntegrationEvent{Type: eventType, Key: key, Timestamp: at.UTC(), Data: raw}, nil
}
