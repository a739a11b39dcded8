// Package bot drives simulated participants through an experiment using the
// same calls a real client makes.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/trialflow/trialflow/internal/experiment"
)

// ErrTooManyPages is returned when a bot never reaches an end page.
var ErrTooManyPages = errors.New("bot: page limit reached")

// Config controls a simulation run.
type Config struct {
	Count       int
	Concurrency int
	Seed        uint64
	// MaxPages bounds each bot's walk through the timeline.
	MaxPages int
	// MaxRetries bounds resubmissions of a single page after failed
	// validation.
	MaxRetries   int
	WorkerPrefix string
}

// DefaultConfig returns a small sequential-safe simulation.
func DefaultConfig() Config {
	return Config{
		Count:        10,
		Concurrency:  4,
		Seed:         1,
		MaxPages:     1000,
		MaxRetries:   5,
		WorkerPrefix: "bot",
	}
}

// Result is one bot's run.
type Result struct {
	WorkerID      string  `json:"worker_id" yaml:"worker_id"`
	ParticipantID int64   `json:"participant_id" yaml:"participant_id"`
	Pages         int     `json:"pages" yaml:"pages"`
	Retries       int     `json:"retries" yaml:"retries"`
	Complete      bool    `json:"complete" yaml:"complete"`
	Failed        bool    `json:"failed" yaml:"failed"`
	FailedReason  string  `json:"failed_reason,omitempty" yaml:"failed_reason,omitempty"`
	Progress      float64 `json:"progress" yaml:"progress"`
	Bonus         float64 `json:"bonus" yaml:"bonus"`
}

// Run starts cfg.Count bots against exp and waits for all of them. Results
// are in bot order. The first bot error cancels the rest.
func Run(ctx context.Context, exp *experiment.Experiment, cfg Config, logger *slog.Logger) ([]Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bot")
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig().MaxPages
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "bot"
	}

	results := make([]Result, cfg.Count)
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
	}
	for i := range cfg.Count {
		g.Go(func() error {
			b := &bot{
				exp:    exp,
				cfg:    cfg,
				rng:    rand.New(rand.NewPCG(cfg.Seed, uint64(i))),
				worker: fmt.Sprintf("%s-%03d", cfg.WorkerPrefix, i),
			}
			res, err := b.run(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", b.worker, err)
			}
			results[i] = res
			logger.Debug("bot finished", "worker", res.WorkerID, "pages", res.Pages,
				"complete", res.Complete, "failed_reason", res.FailedReason)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type bot struct {
	exp    *experiment.Experiment
	cfg    Config
	rng    *rand.Rand
	worker string
}

func (b *bot) run(ctx context.Context) (Result, error) {
	res := Result{WorkerID: b.worker}
	view, err := b.exp.Start(ctx, b.worker)
	if err != nil {
		return res, err
	}
	res.ParticipantID = view.ParticipantID

	for !view.Finished {
		if res.Pages >= b.cfg.MaxPages {
			return res, ErrTooManyPages
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Pages++
		next, retries, err := b.answerPage(ctx, view)
		if err != nil {
			return res, err
		}
		res.Retries += retries
		view = next
	}
	res.Complete = !view.Failed
	res.Failed = view.Failed
	res.FailedReason = view.FailedReason
	res.Progress = view.Progress
	res.Bonus = view.Bonus
	return res, nil
}

func (b *bot) answerPage(ctx context.Context, view *experiment.PageView) (*experiment.PageView, int, error) {
	for attempt := 0; ; attempt++ {
		answer, err := gojson.Marshal(b.answer(view))
		if err != nil {
			return nil, attempt, err
		}
		out, err := b.exp.Respond(ctx, view.ParticipantID, experiment.Submission{
			PageUUID: view.UUID,
			Answer:   answer,
			Metadata: map[string]any{"bot": true},
		})
		if err != nil {
			return nil, attempt, err
		}
		if out.Validation == nil {
			return out.Page, attempt, nil
		}
		if attempt >= b.cfg.MaxRetries {
			return nil, attempt, fmt.Errorf("page %s rejected %d times: %s", view.Label, attempt+1, out.Validation.Message)
		}
	}
}

// answer picks a plausible answer from the rendered page: a random choice,
// the shown value for reproduction prompts, or a rating otherwise.
func (b *bot) answer(view *experiment.PageView) any {
	if view.Type != "modular" {
		return nil
	}
	var content struct {
		Choices []string `json:"choices"`
		Value   *float64 `json:"value"`
	}
	if err := gojson.Unmarshal(view.Content, &content); err != nil {
		return nil
	}
	switch {
	case len(content.Choices) > 0:
		return content.Choices[b.rng.IntN(len(content.Choices))]
	case content.Value != nil:
		return *content.Value + b.rng.NormFloat64()
	default:
		return b.rng.IntN(5) + 1
	}
}
