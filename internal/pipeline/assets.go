package pipeline

import (
	"encoding/json"

	"github.com/studioforge/studio-be/internal/jobstore"
)

// Asset is one deliverable produced by a completed step. Multi-part
// deliverables (e.g. a carousel's slides) share a Group key.
type Asset struct {
	URL       string `json:"url"`
	StepType  string `json:"step_type"`
	StepIndex int    `json:"step_index"`
	Group     string `json:"group,omitempty"`
	Index     int    `json:"index,omitempty"`
}

// Assets aggregates the deliverables of all completed steps, in step order.
// Outputs that carry no URL (planning steps) are skipped. Canceled jobs keep
// the assets their completed steps already produced.
func Assets(steps []jobstore.Step) []Asset {
	var assets []Asset
	for _, step := range steps {
		if step.Status != jobstore.StepStatusCompleted || len(step.Output) == 0 {
			continue
		}

		var output jobstore.StepOutput
		if err := json.Unmarshal(step.Output, &output); err != nil {
			continue
		}
		if output.URL == "" {
			continue
		}

		assets = append(assets, Asset{
			URL:       output.URL,
			StepType:  step.StepType,
			StepIndex: step.StepIndex,
			Group:     output.Group,
			Index:     output.Index,
		})
	}
	return assets
}
