package experiment

import (
	"errors"
	"fmt"
	"math/rand/v2"

	gojson "github.com/goccy/go-json"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/timeline"
)

// choiceTrials shows each stimulus as a multiple-choice question. When
// correct names a definition field, answers are scored against it.
type choiceTrials struct {
	prompt    string
	choices   []string
	estimate  float64
	correct   string
	reward    float64
	threshold float64
	feedback  bool
}

func (s *choiceTrials) ShowTrial(env *timeline.Env, tr *domain.Trial) (timeline.Page, error) {
	prompt := s.prompt
	if p, ok := tr.Definition["prompt"].(string); ok {
		prompt = p
	}
	page := timeline.NewModularPage(fmt.Sprintf("%s/trial", tr.TrialMakerID), prompt, s.choices, s.estimate)
	page.Extra = map[string]any{"stimulus": tr.Definition}
	return page, nil
}

func (s *choiceTrials) ScoreAnswer(tr *domain.Trial) (*float64, error) {
	if s.correct == "" {
		return nil, nil
	}
	var answer any
	if err := gojson.Unmarshal(tr.Answer, &answer); err != nil {
		return nil, err
	}
	score := 0.0
	if fmt.Sprint(answer) == fmt.Sprint(tr.Definition[s.correct]) {
		score = 1
	}
	return &score, nil
}

func (s *choiceTrials) ComputeReward(tr *domain.Trial) float64 {
	if tr.Score == nil {
		return 0
	}
	return *tr.Score * s.reward
}

func (s *choiceTrials) CheckPerformance(trials []*domain.Trial) (float64, bool) {
	return meanScore(trials, s.threshold)
}

func (s *choiceTrials) GivesFeedback(tr *domain.Trial) bool {
	return s.feedback && tr.Score != nil
}

func (s *choiceTrials) ShowFeedback(env *timeline.Env, tr *domain.Trial) (timeline.Page, error) {
	msg := "Incorrect."
	if tr.Score != nil && *tr.Score >= 1 {
		msg = "Correct!"
	}
	return timeline.NewInfoPage(fmt.Sprintf("%s/feedback", tr.TrialMakerID), msg, 0), nil
}

// meanScore averages the scored trials. No scored trials passes.
func meanScore(trials []*domain.Trial, threshold float64) (float64, bool) {
	var sum float64
	n := 0
	for _, tr := range trials {
		if tr.Score != nil {
			sum += *tr.Score
			n++
		}
	}
	if n == 0 {
		return 0, true
	}
	mean := sum / float64(n)
	return mean, mean >= threshold
}

// reproductionTrials asks participants to reproduce a number. Each new
// node's value is the mean of the answers on the node before it.
type reproductionTrials struct {
	prompt    string
	estimate  float64
	initial   *float64
	span      [2]float64
	threshold float64
}

var errNotANumber = errors.New("answer is not a number")

func (s *reproductionTrials) ShowTrial(env *timeline.Env, tr *domain.Trial) (timeline.Page, error) {
	prompt := s.prompt
	if prompt == "" {
		prompt = "Enter the number you were shown."
	}
	page := timeline.NewModularPage(fmt.Sprintf("%s/trial", tr.TrialMakerID), prompt, nil, s.estimate)
	page.Extra = map[string]any{"value": tr.Definition["value"]}
	page.Validator = func(answer any) *timeline.FailedValidation {
		if _, ok := answer.(float64); !ok {
			return timeline.Invalid("Please enter a number.")
		}
		return nil
	}
	return page, nil
}

func (s *reproductionTrials) InitialDefinition(net *domain.Network, rng *rand.Rand) map[string]any {
	if s.initial != nil {
		return map[string]any{"value": *s.initial}
	}
	lo, hi := s.span[0], s.span[1]
	if hi <= lo {
		return map[string]any{"value": lo}
	}
	return map[string]any{"value": lo + rng.Float64()*(hi-lo)}
}

func (s *reproductionTrials) SummarizeTrials(head *domain.Node, trials []*domain.Trial) (map[string]any, error) {
	if len(trials) == 0 {
		return nil, fmt.Errorf("node %d has no trials to summarize", head.ID)
	}
	var sum float64
	for _, tr := range trials {
		var v float64
		if err := gojson.Unmarshal(tr.Answer, &v); err != nil {
			return nil, fmt.Errorf("trial %d: %w", tr.ID, errNotANumber)
		}
		sum += v
	}
	return map[string]any{"value": sum / float64(len(trials))}, nil
}

// ScoreAnswer scores closeness to the target as 1/(1+|error|).
func (s *reproductionTrials) ScoreAnswer(tr *domain.Trial) (*float64, error) {
	target, ok := tr.Definition["value"].(float64)
	if !ok {
		return nil, nil
	}
	var v float64
	if err := gojson.Unmarshal(tr.Answer, &v); err != nil {
		return nil, errNotANumber
	}
	diff := v - target
	if diff < 0 {
		diff = -diff
	}
	score := 1 / (1 + diff)
	return &score, nil
}

func (s *reproductionTrials) CheckPerformance(trials []*domain.Trial) (float64, bool) {
	return meanScore(trials, s.threshold)
}
