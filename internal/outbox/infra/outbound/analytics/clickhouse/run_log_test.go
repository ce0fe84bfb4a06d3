package clickhouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/davicafu/fieldflow/internal/outbox/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Necesita un ClickHouse real: CLICKHOUSE_ADDR=localhost:9000.
func TestRunLogRepo_LogAndAggregate(t *testing.T) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	repo, err := NewRunLogRepo(addr, "default")
	require.NoError(t, err)
	require.NoError(t, repo.InitSchema(ctx))

	now := time.Now().UTC().Truncate(time.Millisecond)
	base := "base-" + uuid.NewString()
	runs := []domain.RunRecord{
		{TaskID: uuid.New(), BaseID: base, Outcome: domain.OutcomeDone, Steps: 2, RowsWritten: 3, Duration: 40 * time.Millisecond, FinishedAt: now},
		{TaskID: uuid.New(), BaseID: base, Outcome: domain.OutcomeRetry, Attempts: 1, Error: "boom", FinishedAt: now},
	}

	require.NoError(t, repo.LogRuns(ctx, runs))
	require.NoError(t, repo.LogRuns(ctx, nil))

	counts, err := repo.DailyOutcomes(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, counts)
}
