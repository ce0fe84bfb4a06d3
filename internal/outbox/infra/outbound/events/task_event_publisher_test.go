package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	sharedEvents "github.com/davicafu/fieldflow/internal/shared/events"
	"github.com/davicafu/fieldflow/tests/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestTaskEventPublisher_WrapsEventInEnvelope(t *testing.T) {
	// ARRANGE
	pub := new(mocks.MockPublisher)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := domain.TaskEvent{Type: domain.TaskCompleted, TaskID: uuid.New(), BaseID: "base1", Attempts: 1, At: at}

	var sent sharedEvents.IntegrationEvent
	pub.On("Publish", ctx, mock.AnythingOfType("events.IntegrationEvent")).
		Run(func(args mock.Arguments) { sent = args.Get(1).(sharedEvents.IntegrationEvent) }).
		Return(nil)

	// ACT
	err := NewTaskEventPublisher(pub).Emit(ctx, evt)

	// ASSERT
	require.NoError(t, err)
	pub.AssertExpectations(t)
	assert.Equal(t, "taskCompleted", sent.Type)
	assert.Equal(t, "base1", sent.PartitionKey())
	assert.Equal(t, at, sent.Timestamp)

	var decoded domain.TaskEvent
	require.NoError(t, json.Unmarshal(sent.Data, &decoded))
	assert.Equal(t, evt.TaskID, decoded.TaskID)
	assert.Equal(t, 1, decoded.Attempts)
}

func TestTaskEventPublisher_PropagatesBusError(t *testing.T) {
	pub := new(mocks.MockPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := NewTaskEventPublisher(pub).Emit(context.Background(), domain.TaskEvent{Type: domain.TaskFailed})

	assert.EqualError(t, err, "broker down")
}
