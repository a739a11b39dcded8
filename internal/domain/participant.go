package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Participant is one respondent moving through the experiment timeline.
// EltID is the single source of truth for where they are; it is only
// moved by the timeline advancer.
type Participant struct {
	ID             int64                   `json:"id"`
	WorkerID       string                  `json:"worker_id"`
	EltID          int                     `json:"elt_id"`
	PageUUID       string                  `json:"page_uuid,omitempty"`
	Complete       bool                    `json:"complete"`
	Failed         bool                    `json:"failed"`
	FailedReason   string                  `json:"failed_reason,omitempty"`
	FailureTags    []string                `json:"failure_tags,omitempty"`
	Answer         json.RawMessage         `json:"answer,omitempty"`
	LastResponseID int64                   `json:"last_response_id,omitempty"`
	BranchLog      []BranchEntry           `json:"branch_log,omitempty"`
	Vars           Vars                    `json:"vars"`
	ModuleStates   map[string]*ModuleState `json:"module_states"`
	TimeCredit     TimeCredit              `json:"time_credit"`
	// PerformanceReward accumulates trial-level rewards on top of time credit.
	PerformanceReward float64   `json:"performance_reward"`
	BasePayment       float64   `json:"base_payment"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BranchEntry records which branch a logged switch took.
type BranchEntry struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ModuleState is the per-module record kept on a participant.
type ModuleState struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Vars       Vars       `json:"vars"`
}

// NewParticipant returns a participant positioned before the first element.
func NewParticipant(workerID string, now time.Time) *Participant {
	return &Participant{
		WorkerID:     workerID,
		EltID:        -1,
		Vars:         Vars{},
		ModuleStates: map[string]*ModuleState{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Module returns the state for label, creating it on first use.
func (p *Participant) Module(label string) *ModuleState {
	if p.ModuleStates == nil {
		p.ModuleStates = map[string]*ModuleState{}
	}
	ms, ok := p.ModuleStates[label]
	if !ok {
		ms = &ModuleState{Vars: Vars{}}
		p.ModuleStates[label] = ms
	}
	if ms.Vars == nil {
		ms.Vars = Vars{}
	}
	return ms
}

// Fail marks the participant failed. The first reason wins.
func (p *Participant) Fail(reason string, tags ...string) {
	if !p.Failed {
		p.Failed = true
		p.FailedReason = reason
	}
	p.FailureTags = append(p.FailureTags, tags...)
}

// Finished reports whether the participant can make no further progress.
func (p *Participant) Finished() bool { return p.Complete || p.Failed }

// Bonus is the time bonus plus performance reward, capped by the
// experiment's maximum bonus when one is set.
func (p *Participant) Bonus() float64 {
	b := p.TimeCredit.TimeBonus() + p.PerformanceReward
	if limit := p.TimeCredit.ExperimentMaxBonus; limit > 0 && b > limit {
		b = limit
	}
	return math.Round(b*100) / 100
}

// ─── Time Credit ────────────────────────────────────────────────────────────

// TimeCredit accumulates the estimated time a participant has spent, which
// is the basis of their pay. Inside a fixed-time block credit is held as
// pending and capped, then replaced by the block's bound when it ends.
type TimeCredit struct {
	Confirmed          float64 `json:"confirmed"`
	IsFixed            bool    `json:"is_fixed"`
	Pending            float64 `json:"pending"`
	MaxPending         float64 `json:"max_pending"`
	WagePerHour        float64 `json:"wage_per_hour"`
	ExperimentMaxTime  float64 `json:"experiment_max_time"`
	ExperimentMaxBonus float64 `json:"experiment_max_bonus"`
}

// Initialise sets the wage and the experiment-wide maxima.
func (c *TimeCredit) Initialise(wagePerHour, maxTime, maxBonus float64) {
	c.WagePerHour = wagePerHour
	c.ExperimentMaxTime = maxTime
	c.ExperimentMaxBonus = maxBonus
}

// Increment credits seconds of estimated time.
func (c *TimeCredit) Increment(seconds float64) {
	if c.IsFixed {
		c.Pending = min(c.Pending+seconds, c.MaxPending)
		return
	}
	c.Confirmed += seconds
}

// StartFix opens a fixed block worth bound seconds.
func (c *TimeCredit) StartFix(bound float64) {
	c.IsFixed = true
	c.Pending = 0
	c.MaxPending = bound
}

// EndFix closes a fixed block, confirming exactly bound seconds.
func (c *TimeCredit) EndFix(bound float64) {
	c.IsFixed = false
	c.Pending = 0
	c.MaxPending = 0
	c.Confirmed += bound
}

// Total is confirmed plus pending credit.
func (c *TimeCredit) Total() float64 { return c.Confirmed + c.Pending }

// TimeBonus converts confirmed credit to pay.
func (c *TimeCredit) TimeBonus() float64 {
	return c.WagePerHour * c.Confirmed / 3600
}

// Progress is the fraction of the experiment's maximum time credited so far.
func (c *TimeCredit) Progress() float64 {
	if c.ExperimentMaxTime <= 0 {
		return 0
	}
	return min(c.Total()/c.ExperimentMaxTime, 1)
}
