package events

import (
	"context"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedEvents "github.com/davicafu/fieldflow/internal/shared/events"
	sharedBus "github.com/davicafu/fieldflow/internal/shared/infra/platform/bus"
)

// TaskEventPublisher envía las señales de las tareas al bus de integración,
// con el baseId como clave para mantener el orden por base.
type TaskEventPublisher struct {
	bus sharedBus.EventBus
}

func NewTaskEventPublisher(bus sharedBus.EventBus) *TaskEventPublisher {
	return &TaskEventPublisher{bus: bus}
}

func (p *TaskEventPublisher) Emit(ctx context.Context, evt domain.TaskEvent) error {
	env, err := sharedEvents.NewIntegrationEvent(string(evt.Type), evt.PartitionKey(), evt, evt.At)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, env)
}

var _ domain.EventSink = (*TaskEventPublisher)(nil)
