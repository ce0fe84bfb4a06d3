package domain

import (
	"testing"

	graphDomain "github.com/davicafu/fieldflow/internal/graph/domain"
	"github.com/stretchr/testify/assert"
)

func TestPlanHash_Deterministic(t *testing.T) {
	a := PlanHash("base1", RecordUpdate, []string{"r2", "r1", "r1"}, 7)
	b := PlanHash("base1", RecordUpdate, []string{"r1", "r2"}, 7)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestPlanHash_EachInputMatters(t *testing.T) {
	base := PlanHash("base1", RecordUpdate, []string{"r1"}, 7)

	assert.NotEqual(t, base, PlanHash("base2", RecordUpdate, []string{"r1"}, 7))
	assert.NotEqual(t, base, PlanHash("base1", RecordCreate, []string{"r1"}, 7))
	assert.NotEqual(t, base, PlanHash("base1", RecordUpdate, []string{"r1", "r2"}, 7))
	assert.NotEqual(t, base, PlanHash("base1", RecordUpdate, []string{"r1"}, 8))
}

func TestChangeSeed_SeedIDs(t *testing.T) {
	update := ChangeSeed{BaseID: "b", TableID: "t", ChangeType: RecordUpdate, RecordIDs: []string{"r2", "r1", "r2"}}
	field := ChangeSeed{BaseID: "b", TableID: "t", ChangeType: FieldCreate, FieldIDs: []string{"f"}}
	marker := ChangeSeed{BaseID: "b", TableID: "t", ChangeType: RecordUpdate, RecordIDs: []string{"r1", AllRecords}}

	assert.Equal(t, []string{"r1", "r2"}, update.SeedIDs())
	assert.Equal(t, []string{AllRecords}, field.SeedIDs())
	assert.Equal(t, []string{AllRecords}, marker.SeedIDs())
}

func TestChangeSeed_Validate(t *testing.T) {
	tests := []struct {
		name  string
		seed  ChangeSeed
		valid bool
	}{
		{name: "update con registros", seed: ChangeSeed{BaseID: "b", TableID: "t", ChangeType: RecordUpdate, RecordIDs: []string{"r"}}, valid: true},
		{name: "update sin registros", seed: ChangeSeed{BaseID: "b", TableID: "t", ChangeType: RecordUpdate}},
		{name: "campo sin fieldIds", seed: ChangeSeed{BaseID: "b", TableID: "t", ChangeType: FieldConvert}},
		{name: "tipo desconocido", seed: ChangeSeed{BaseID: "b", TableID: "t", ChangeType: "rename", RecordIDs: []string{"r"}}},
		{name: "sin base", seed: ChangeSeed{TableID: "t", ChangeType: RecordUpdate, RecordIDs: []string{"r"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.seed.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSeed)
			}
		})
	}
}

func TestExecutionPlan_ValidateDetectsOutOfOrderSteps(t *testing.T) {
	a := graphDomain.NodeKey{TableID: "t", FieldID: "a"}
	b := graphDomain.NodeKey{TableID: "t", FieldID: "b"}
	plan := ExecutionPlan{
		Steps: []Step{{TableID: "t", FieldID: "b", AllRecords: true}, {TableID: "t", FieldID: "a", AllRecords: true}},
		Edges: []graphDomain.Edge{{From: a, To: b, Kind: graphDomain.EdgeSameRecord}},
	}

	assert.ErrorIs(t, plan.Validate(), ErrMalformedPlan)
}
