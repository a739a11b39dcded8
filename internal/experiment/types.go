package experiment

import (
	"encoding/json"

	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/timeline"
	"github.com/trialflow/trialflow/internal/trial"
)

// PageView is what a participant's client sees.
type PageView struct {
	ParticipantID int64           `json:"participant_id"`
	WorkerID      string          `json:"worker_id"`
	UUID          string          `json:"page_uuid"`
	Label         string          `json:"label"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Progress      float64         `json:"progress"`
	Bonus         float64         `json:"bonus"`
	Finished      bool            `json:"finished"`
	Failed        bool            `json:"failed,omitempty"`
	FailedReason  string          `json:"failed_reason,omitempty"`
}

// Submission is a participant's answer to a page.
type Submission struct {
	PageUUID string          `json:"page_uuid"`
	Answer   json.RawMessage `json:"answer"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// Outcome is the result of a submission. Validation is set when the
// answer was rejected and the participant stays on Page.
type Outcome struct {
	Page       *PageView                  `json:"page"`
	Validation *timeline.FailedValidation `json:"validation,omitempty"`
}

// Status summarizes an experiment.
type Status struct {
	ID               string                   `json:"id" yaml:"id"`
	Elements         int                      `json:"elements" yaml:"elements"`
	MaxTime          float64                  `json:"max_time" yaml:"max_time"`
	MaxBonus         float64                  `json:"max_bonus" yaml:"max_bonus"`
	Participants     sqlite.ParticipantCounts `json:"participants" yaml:"participants"`
	TrialMakers      []trial.Progress         `json:"trial_makers" yaml:"trial_makers"`
	NeedsRecruitment bool                     `json:"needs_recruitment" yaml:"needs_recruitment"`
}
