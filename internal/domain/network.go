// Package domain holds the experiment data model shared by the timeline,
// the trial makers and the store: participants, networks, nodes, trials,
// async processes and responses.
package domain

import (
	"encoding/json"
	"time"
)

// ChainType selects how chain networks are shared between participants.
type ChainType string

const (
	ChainNone   ChainType = ""
	ChainWithin ChainType = "within"
	ChainAcross ChainType = "across"
)

// Network groups nodes that are mutually comparable for allocation:
// same trial maker, participant group and block.
type Network struct {
	ID                   int64     `json:"id"`
	TrialMakerID         string    `json:"trial_maker_id"`
	ParticipantGroup     string    `json:"participant_group"`
	Block                string    `json:"block"`
	TargetNumTrials      *int      `json:"target_num_trials,omitempty"`
	TargetNumNodes       int       `json:"target_num_nodes,omitempty"`
	Full                 bool      `json:"full"`
	Failed               bool      `json:"failed"`
	FailedReason         string    `json:"failed_reason,omitempty"`
	ChainType            ChainType `json:"chain_type,omitempty"`
	ParticipantID        *int64    `json:"participant_id,omitempty"`
	AwaitingAsyncProcess bool      `json:"awaiting_async_process"`
	NumCompletedTrials   int       `json:"num_completed_trials"`
	NumNodes             int       `json:"num_nodes"`
	CreatedAt            time.Time `json:"created_at"`
}

// Node is one allocatable stimulus or condition inside a network.
type Node struct {
	ID                   int64          `json:"id"`
	NetworkID            int64          `json:"network_id"`
	TrialMakerID         string         `json:"trial_maker_id"`
	ParticipantGroup     string         `json:"participant_group"`
	Block                string         `json:"block"`
	Key                  string         `json:"key,omitempty"`
	Definition           map[string]any `json:"definition"`
	Seed                 map[string]any `json:"seed,omitempty"`
	Degree               int            `json:"degree"`
	ParentID             *int64         `json:"parent_id,omitempty"`
	TargetNumTrials      *int           `json:"target_num_trials,omitempty"`
	NumCompletedTrials   int            `json:"num_completed_trials"`
	Failed               bool           `json:"failed"`
	FailedReason         string         `json:"failed_reason,omitempty"`
	AwaitingAsyncProcess bool           `json:"awaiting_async_process"`
	EarliestAsyncStart   *time.Time     `json:"earliest_async_start,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Trial is one participant's attempt at a node. Once complete and not
// failed it is immutable, apart from Analysis written by async processes.
type Trial struct {
	ID                   int64           `json:"id"`
	ParticipantID        int64           `json:"participant_id"`
	NodeID               int64           `json:"node_id"`
	NetworkID            int64           `json:"network_id"`
	TrialMakerID         string          `json:"trial_maker_id"`
	Block                string          `json:"block"`
	Definition           map[string]any  `json:"definition"`
	Answer               json.RawMessage `json:"answer,omitempty"`
	Complete             bool            `json:"complete"`
	Finalized            bool            `json:"finalized"`
	Failed               bool            `json:"failed"`
	FailedReason         string          `json:"failed_reason,omitempty"`
	AwaitingAsyncProcess bool            `json:"awaiting_async_process"`
	EarliestAsyncStart   *time.Time      `json:"earliest_async_start,omitempty"`
	IsRepeatTrial        bool            `json:"is_repeat_trial"`
	RepeatOf             *int64          `json:"repeat_of,omitempty"`
	Score                *float64        `json:"score,omitempty"`
	PerformanceReward    float64         `json:"performance_reward"`
	Analysis             map[string]any  `json:"analysis,omitempty"`
	ResponseID           *int64          `json:"response_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// Processed reports whether the trial is complete, not failed and has no
// outstanding async work.
func (t *Trial) Processed() bool {
	return t.Complete && !t.Failed && !t.AwaitingAsyncProcess
}

// ─── Async Processes ────────────────────────────────────────────────────────

// OwnerKind names the table an async process is attached to.
type OwnerKind string

const (
	OwnerTrial   OwnerKind = "trial"
	OwnerNode    OwnerKind = "node"
	OwnerNetwork OwnerKind = "network"
)

// AsyncProcess is a tracked background computation tied to a trial, node or
// network. While pending, its owner is excluded from allocation.
type AsyncProcess struct {
	ID           int64          `json:"id"`
	Key          string         `json:"key"`
	Label        string         `json:"label"`
	OwnerKind    OwnerKind      `json:"owner_kind"`
	OwnerID      int64          `json:"owner_id"`
	NetworkID    int64          `json:"network_id"`
	Pending      bool           `json:"pending"`
	Finished     bool           `json:"finished"`
	Failed       bool           `json:"failed"`
	FailedReason string         `json:"failed_reason,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Timeout      time.Duration  `json:"timeout"`
}

// TimeTaken is how long the process ran, or zero while it is pending.
func (p *AsyncProcess) TimeTaken() time.Duration {
	if p.FinishedAt == nil {
		return 0
	}
	return p.FinishedAt.Sub(p.StartedAt)
}

// ─── Responses ──────────────────────────────────────────────────────────────

// Response records one submission to a page, valid or not.
type Response struct {
	ID                   int64           `json:"id"`
	ParticipantID        int64           `json:"participant_id"`
	PageUUID             string          `json:"page_uuid"`
	Label                string          `json:"label"`
	PageType             string          `json:"page_type"`
	Answer               json.RawMessage `json:"answer,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	SuccessfulValidation bool            `json:"successful_validation"`
	CreatedAt            time.Time       `json:"created_at"`
}
