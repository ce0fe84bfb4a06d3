package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedEvents "github.com/davicafu/fieldflow/internal/shared/events"
	sharedUtils "github.com/davicafu/fieldflow/internal/shared/infra/utils"
)

// TaskEventLogger escucha el bus de tareas en despliegues sin Kafka y deja
// cada transición en el log.
type TaskEventLogger struct {
	log *zap.Logger
}

func NewTaskEventLogger(log *zap.Logger) *TaskEventLogger {
	return &TaskEventLogger{log: log}
}

func (l *TaskEventLogger) HandleMessage(ctx context.Context, key string, payload []byte) {
	var base sharedEvents.IntegrationEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		l.log.Warn("Failed to unmarshal task event", zap.Error(err))
		return
	}

	sharedUtils.UnmarshalAndHandle[domain.TaskEvent](l.log, base.Data, func(evt domain.TaskEvent) {
		fields := []zap.Field{
			zap.String("type", string(evt.Type)),
			zap.String("task_id", evt.TaskID.String()),
			zap.String("base_id", evt.BaseID),
			zap.Int("attempts", evt.Attempts),
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}

		switch evt.Type {
		case domain.TaskFailed:
			l.log.Warn("📨 Evento de tarea", fields...)
		default:
			l.log.Debug("📨 Evento de tarea", fields...)
		}
	})
}
