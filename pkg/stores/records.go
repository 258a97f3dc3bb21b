package stores

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// NewPlanRecord builds a plan record from a plan summary.
func NewPlanRecord(summary engine.PlanSummary, blueprint string) (*PlanRecord, error) {
	raw, err := EncodeSummary(summary)
	if err != nil {
		return nil, err
	}
	return &PlanRecord{
		ID:            summary.ID,
		Blueprint:     blueprint,
		Fingerprint:   summary.Fingerprint,
		State:         summary.State,
		Modifications: len(summary.Modifications),
		Errors:        len(summary.Errors),
		Summary:       raw,
		CreatedAt:     summary.CreatedAt,
	}, nil
}

// EncodeSummary returns the JSON form of a plan summary.
func EncodeSummary(summary engine.PlanSummary) (string, error) {
	raw, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to encode plan summary: %w", err)
	}
	return string(raw), nil
}

// DecodeSummary returns the plan summary stored in the record.
func (r *PlanRecord) DecodeSummary() (engine.PlanSummary, error) {
	var summary engine.PlanSummary
	if err := decodeJSON(r.Summary, &summary); err != nil {
		return summary, fmt.Errorf("failed to decode summary of plan %s: %w", r.ID, err)
	}
	return summary, nil
}
