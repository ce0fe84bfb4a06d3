package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskEventType string

const (
	TaskProcessing TaskEventType = "taskProcessing"
	TaskCompleted  TaskEventType = "taskCompleted"
	TaskCancelled  TaskEventType = "taskCancelled"
	TaskFailed     TaskEventType = "taskFailed"
)

// TaskEvent es la señal que reciben las capas de tiempo real.
type TaskEvent struct {
	Type     TaskEventType `json:"type"`
	TaskID   uuid.UUID     `json:"taskId"`
	BaseID   string        `json:"baseId"`
	RunID    string        `json:"runId"`
	PlanHash string        `json:"planHash"`
	Attempts int           `json:"attempts"`
	WorkerID string        `json:"workerId,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

func (e TaskEvent) PartitionKey() string {
	return e.BaseID
}

// NewTaskEvent construye el evento a partir del estado actual de la tarea.
func NewTaskEvent(typ TaskEventType, t *OutboxTask, workerID string, at time.Time) TaskEvent {
	evt := TaskEvent{
		Type:     typ,
		TaskID:   t.ID,
		BaseID:   t.BaseID,
		RunID:    t.RunID,
		PlanHash: t.PlanHash,
		Attempts: t.Attempts,
		WorkerID: workerID,
		At:       at,
	}
	if t.LastError != nil {
		evt.Error = *t.LastError
	}
	return evt
}

// EventSink recibe las señales del ciclo de vida de las tareas.
type EventSink interface {
	Emit(ctx context.Context, evt TaskEvent) error
}
