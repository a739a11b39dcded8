package trial

import (
	"context"
	"log/slog"

	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

// RecruitMode selects what counts toward a trial maker's target.
type RecruitMode string

const (
	RecruitParticipants RecruitMode = "participants"
	RecruitTrials       RecruitMode = "trials"
)

// Progress summarizes how far a trial maker is toward its target.
type Progress struct {
	TrialMaker            string      `json:"trial_maker" yaml:"trial_maker"`
	Mode                  RecruitMode `json:"mode" yaml:"mode"`
	Target                int         `json:"target" yaml:"target"`
	CompletedTrials       int         `json:"completed_trials" yaml:"completed_trials"`
	CompletedParticipants int         `json:"completed_participants" yaml:"completed_participants"`
	Networks              int         `json:"networks" yaml:"networks"`
	FullNetworks          int         `json:"full_networks" yaml:"full_networks"`
}

// Done reports whether the target has been met. A zero target is never met.
func (p Progress) Done() bool {
	if p.Target <= 0 {
		return false
	}
	if p.Mode == RecruitTrials {
		return p.CompletedTrials >= p.Target
	}
	return p.CompletedParticipants >= p.Target
}

// Progress counts completed work for this maker.
func (m *Maker) Progress(ctx context.Context) (Progress, error) {
	out := Progress{
		TrialMaker: m.cfg.ID,
		Mode:       m.cfg.RecruitMode,
		Target:     m.cfg.TargetNumParticipants,
	}
	err := m.db.View(ctx, func(tx *sqlite.Tx) error {
		var err error
		if out.CompletedTrials, err = tx.CompletedTrialCount(ctx, m.cfg.ID); err != nil {
			return err
		}
		if out.CompletedParticipants, err = tx.CompletedParticipantCount(ctx, m.cfg.ID); err != nil {
			return err
		}
		nets, err := tx.ListNetworks(ctx, sqlite.NetworkFilter{TrialMakerID: m.cfg.ID, ExcludeFailed: true})
		if err != nil {
			return err
		}
		out.Networks = len(nets)
		for _, n := range nets {
			if n.Full {
				out.FullNetworks++
			}
		}
		return nil
	})
	return out, err
}

// NeedsRecruitment reports whether more participants are wanted. Without
// a target it is always false.
func (m *Maker) NeedsRecruitment(ctx context.Context) (bool, error) {
	if m.cfg.TargetNumParticipants <= 0 {
		return false, nil
	}
	p, err := m.Progress(ctx)
	if err != nil {
		return false, err
	}
	return !p.Done(), nil
}

// Recruiter asks a recruitment service for n more participants.
type Recruiter interface {
	Recruit(ctx context.Context, n int) error
}

// LogRecruiter only logs recruitment requests.
type LogRecruiter struct {
	Logger *slog.Logger
}

func (r LogRecruiter) Recruit(ctx context.Context, n int) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "recruitment requested", "participants", n)
	return nil
}
