package domain

import (
	"math"

	plannerDomain "github.com/davicafu/fieldflow/internal/planner/domain"
)

type ComplexityLevel string

const (
	LevelTrivial  ComplexityLevel = "trivial"
	LevelLow      ComplexityLevel = "low"
	LevelMedium   ComplexityLevel = "medium"
	LevelHigh     ComplexityLevel = "high"
	LevelVeryHigh ComplexityLevel = "very_high"
)

// Pesos de cada factor en la puntuación.
const (
	weightImpactedFields = 2.0
	weightFanOut         = 3.0
	weightDepth          = 4.0
	weightRows           = 10.0
	coarsenedPenalty     = 15.0
)

// Factor es un componente con nombre de la puntuación.
type Factor struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// ComplexityAssessment es la puntuación del plan y cómo se obtuvo.
type ComplexityAssessment struct {
	Score           float64         `json:"score"`
	Level           ComplexityLevel `json:"level"`
	Factors         []Factor        `json:"factors"`
	Recommendations []string        `json:"recommendations"`
}

// LevelFor traduce una puntuación a su nivel.
func LevelFor(score float64) ComplexityLevel {
	switch {
	case score < 5:
		return LevelTrivial
	case score < 15:
		return LevelLow
	case score < 35:
		return LevelMedium
	case score < 70:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// FanOut es el multiplicador de filas estimadas frente a semillas.
func FanOut(plan *plannerDomain.ExecutionPlan) float64 {
	seeds := len(plan.SeedIDs)
	if seeds == 0 || (seeds == 1 && plan.SeedIDs[0] == plannerDomain.AllRecords) {
		seeds = 1
	}
	if plan.EstimatedRows <= seeds {
		return 1
	}
	return float64(plan.EstimatedRows) / float64(seeds)
}

// Assess puntúa el plan. Los factores de fan-out y filas son logarítmicos para
// que un plan diez veces mayor no sea diez veces más "complejo".
func Assess(plan *plannerDomain.ExecutionPlan) ComplexityAssessment {
	depth := 0
	for _, s := range plan.Steps {
		if s.Depth > depth {
			depth = s.Depth
		}
	}
	fanOut := FanOut(plan)

	factors := []Factor{
		factor("impacted_fields", float64(len(plan.Steps)), weightImpactedFields, float64(len(plan.Steps))),
		factor("link_fan_out", fanOut, weightFanOut, math.Log2(fanOut)),
		factor("graph_depth", float64(depth), weightDepth, float64(depth)),
		factor("estimated_rows", float64(plan.EstimatedRows), weightRows, math.Log10(float64(plan.EstimatedRows)+1)),
	}
	if plan.Coarsened {
		factors = append(factors, Factor{Name: "coarsened", Value: 1, Weight: coarsenedPenalty, Score: coarsenedPenalty})
	}

	score := 0.0
	for _, f := range factors {
		score += f.Score
	}
	score = math.Round(score*100) / 100

	return ComplexityAssessment{
		Score:           score,
		Level:           LevelFor(score),
		Factors:         factors,
		Recommendations: recommend(plan, fanOut, depth),
	}
}

func factor(name string, value, weight, scaled float64) Factor {
	return Factor{Name: name, Value: value, Weight: weight, Score: math.Round(weight*scaled*100) / 100}
}

func recommend(plan *plannerDomain.ExecutionPlan, fanOut float64, depth int) []string {
	recs := []string{}
	if len(plan.Steps) == 0 {
		return append(recs, "No computed field depends on this change; nothing will be enqueued.")
	}
	if plan.Coarsened {
		recs = append(recs, "The plan was coarsened to whole-table recomputation; narrow the change or raise the planner limits if row-level precision matters.")
	}
	if fanOut >= 100 {
		recs = append(recs, "High link fan-out: each seed record touches many linked records; consider splitting wide links or batching edits.")
	}
	if depth >= 4 {
		recs = append(recs, "Deep dependency chain; flattening intermediate formulas shortens propagation.")
	}
	if plan.EstimatedRows >= 10000 {
		recs = append(recs, "Large recomputation; schedule bulk edits outside peak hours.")
	}
	return recs
}
