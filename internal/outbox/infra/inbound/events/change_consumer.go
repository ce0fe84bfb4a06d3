package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/fieldflow/internal/outbox/application"
	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
	sharedEvents "github.com/davicafu/fieldflow/internal/shared/events"
	sharedUtils "github.com/davicafu/fieldflow/internal/shared/infra/utils"
)

// ChangeSubmitter es lo que el consumidor necesita del servicio de cambios.
type ChangeSubmitter interface {
	Submit(ctx context.Context, seed plannerDomain.ChangeSeed) (application.SubmitResult, error)
}

// ChangeConsumer traduce los eventos del topic de cambios a semillas.
type ChangeConsumer struct {
	service ChangeSubmitter
	timeout time.Duration
	log     *zap.Logger
}

func NewChangeConsumer(service ChangeSubmitter, logger *zap.Logger) *ChangeConsumer {
	return &ChangeConsumer{service: service, timeout: 5 * time.Second, log: logger}
}

// HandleMessage es el punto de entrada para un nuevo mensaje. Los errores se
// registran: el productor ya confirmó su escritura y no hay a quién devolvérselos.
func (c *ChangeConsumer) HandleMessage(ctx context.Context, key string, payload []byte) {
	var base sharedEvents.IntegrationEvent
	if err := json.Unmarshal(payload, &base); err != nil {
		c.log.Warn("Failed to unmarshal integration event for change", zap.String("key", key), zap.Error(err))
		return
	}

	switch base.Type {
	case sharedEvents.RecordsChangedType:
		sharedUtils.UnmarshalAndHandle[sharedEvents.RecordsChanged](c.log, base.Data, func(evt sharedEvents.RecordsChanged) {
			c.submit(ctx, plannerDomain.ChangeSeed{
				BaseID:     evt.BaseID,
				TableID:    evt.TableID,
				ChangeType: plannerDomain.ChangeType(evt.ChangeType),
				RecordIDs:  evt.RecordIDs,
				FieldIDs:   evt.FieldIDs,
			})
		})

	case sharedEvents.FieldChangedType:
		sharedUtils.UnmarshalAndHandle[sharedEvents.FieldChanged](c.log, base.Data, func(evt sharedEvents.FieldChanged) {
			c.submit(ctx, plannerDomain.ChangeSeed{
				BaseID:     evt.BaseID,
				TableID:    evt.TableID,
				ChangeType: plannerDomain.ChangeType(evt.ChangeType),
				FieldIDs:   []string{evt.FieldID},
			})
		})

	default:
		c.log.Warn("Unknown change event type", zap.String("type", base.Type), zap.String("key", key))
	}
}

func (c *ChangeConsumer) submit(ctx context.Context, seed plannerDomain.ChangeSeed) {
	ctxSubmit, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.service.Submit(ctxSubmit, seed)
	if err != nil {
		c.log.Warn("Failed to process change event",
			zap.String("base_id", seed.BaseID),
			zap.String("table_id", seed.TableID),
			zap.String("change_type", string(seed.ChangeType)),
			zap.Error(err))
		return
	}
	c.log.Info("Change enqueued via event",
		zap.String("base_id", seed.BaseID),
		zap.String("plan_hash", res.PlanHash),
		zap.Bool("merged", res.Merged),
		zap.Bool("skipped", res.Skipped))
}
