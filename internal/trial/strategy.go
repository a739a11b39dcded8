package trial

import (
	"encoding/json"
	"math/rand/v2"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/timeline"
)

// Strategy supplies the experiment-specific parts of a trial maker. Only
// ShowTrial is required; the optional interfaces below are picked up by
// type assertion.
type Strategy interface {
	ShowTrial(env *timeline.Env, tr *domain.Trial) (timeline.Page, error)
}

// FeedbackShower shows a page after a trial is finalized.
type FeedbackShower interface {
	GivesFeedback(tr *domain.Trial) bool
	ShowFeedback(env *timeline.Env, tr *domain.Trial) (timeline.Page, error)
}

// AnswerPostprocessor rewrites the raw answer before it is stored.
type AnswerPostprocessor interface {
	PostprocessAnswer(tr *domain.Trial, answer json.RawMessage) (json.RawMessage, error)
}

// AnswerScorer scores a finalized trial. A nil score means unscored.
type AnswerScorer interface {
	ScoreAnswer(tr *domain.Trial) (*float64, error)
}

// RewardComputer gives a per-trial performance reward.
type RewardComputer interface {
	ComputeReward(tr *domain.Trial) float64
}

// PerformanceChecker evaluates the participant's completed trials.
type PerformanceChecker interface {
	CheckPerformance(trials []*domain.Trial) (score float64, passed bool)
}

// BlockOrderChooser orders the blocks for a new participant.
type BlockOrderChooser interface {
	ChooseBlockOrder(p *domain.Participant, blocks []string, rng *rand.Rand) []string
}

// GroupChooser assigns a participant group.
type GroupChooser interface {
	ChooseGroup(p *domain.Participant, groups []string) string
}

// NodeFilter restricts candidate nodes. The result must be a subset of
// nodes; anything else is ErrInvalidFilterResult.
type NodeFilter interface {
	FilterNodes(p *domain.Participant, block string, nodes []*domain.Node) []*domain.Node
}

// TrialFinalizer runs inside the finalization transaction.
type TrialFinalizer interface {
	FinalizeTrial(tr *domain.Trial, p *domain.Participant) error
}

// DefinitionMaker derives a trial definition from its node.
type DefinitionMaker interface {
	MakeDefinition(node *domain.Node, p *domain.Participant) map[string]any
}

// ChainSeeder builds the definition of a chain's first node.
type ChainSeeder interface {
	InitialDefinition(net *domain.Network, rng *rand.Rand) map[string]any
}

// TrialSummarizer turns the processed trials of a chain's head node into
// the definition of the next node.
type TrialSummarizer interface {
	SummarizeTrials(head *domain.Node, trials []*domain.Trial) (map[string]any, error)
}

// NetworkGrower overrides when a chain grows.
type NetworkGrower interface {
	ShouldGrow(net *domain.Network, head *domain.Node, processed []*domain.Trial) bool
}
