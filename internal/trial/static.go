package trial

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
)

// DefaultGroup is the participant group of stimuli that name none.
const DefaultGroup = "default"

// DefaultBlock is the block of stimuli that name none.
const DefaultBlock = "default"

// Stimulus is one node of a static trial maker.
type Stimulus struct {
	Key              string         `yaml:"key" json:"key"`
	Definition       map[string]any `yaml:"definition" json:"definition"`
	Block            string         `yaml:"block" json:"block"`
	ParticipantGroup string         `yaml:"participant_group" json:"participant_group"`
	// TargetNumTrials caps the node's live trials. Nil means no cap.
	TargetNumTrials *int `yaml:"target_num_trials" json:"target_num_trials,omitempty"`
}

// NewStatic returns a trial maker over a fixed stimulus set. Each
// (participant group, block) pair gets its own network holding one node
// per stimulus.
func NewStatic(cfg Config, strategy Strategy, stimuli []Stimulus, deps Deps) (*Maker, error) {
	m, err := newMaker(cfg, strategy, deps)
	if err != nil {
		return nil, err
	}
	if len(stimuli) == 0 {
		return nil, fmt.Errorf("trial maker %q: no stimuli", cfg.ID)
	}
	seen := make(map[string]bool, len(stimuli))
	norm := make([]Stimulus, len(stimuli))
	for i, s := range stimuli {
		if s.Key == "" {
			s.Key = fmt.Sprintf("stimulus-%d", i)
		}
		if s.Block == "" {
			s.Block = DefaultBlock
		}
		if s.ParticipantGroup == "" {
			s.ParticipantGroup = DefaultGroup
		}
		id := s.ParticipantGroup + "/" + s.Block + "/" + s.Key
		if seen[id] {
			return nil, fmt.Errorf("trial maker %q: duplicate stimulus %q", cfg.ID, id)
		}
		seen[id] = true
		norm[i] = s
	}
	m.alloc = &staticAllocator{m: m, stimuli: norm}
	return m, nil
}

type staticAllocator struct {
	m       *Maker
	stimuli []Stimulus
}

// groups returns the distinct participant groups in first-seen order.
func (a *staticAllocator) groups() []string {
	var out []string
	for _, s := range a.stimuli {
		if !slices.Contains(out, s.ParticipantGroup) {
			out = append(out, s.ParticipantGroup)
		}
	}
	return out
}

// blocks returns the distinct blocks of a group in first-seen order.
func (a *staticAllocator) blocks(group string) []string {
	var out []string
	for _, s := range a.stimuli {
		if s.ParticipantGroup == group && !slices.Contains(out, s.Block) {
			out = append(out, s.Block)
		}
	}
	return out
}

func (a *staticAllocator) deploy(ctx context.Context) error {
	return a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		existing, err := tx.ListNetworks(ctx, sqlite.NetworkFilter{TrialMakerID: a.m.cfg.ID})
		if err != nil {
			return err
		}
		byKey := make(map[string]*domain.Network, len(existing))
		for _, n := range existing {
			byKey[n.ParticipantGroup+"/"+n.Block] = n
		}
		now := a.m.now()
		for _, group := range a.groups() {
			for _, block := range a.blocks(group) {
				net, ok := byKey[group+"/"+block]
				if !ok {
					net = &domain.Network{
						TrialMakerID:     a.m.cfg.ID,
						ParticipantGroup: group,
						Block:            block,
						ChainType:        domain.ChainNone,
						CreatedAt:        now,
					}
					if err := tx.InsertNetwork(ctx, net); err != nil {
						return err
					}
				}
				nodes, err := tx.NodesInNetwork(ctx, net.ID, true)
				if err != nil {
					return err
				}
				have := make(map[string]bool, len(nodes))
				for _, n := range nodes {
					have[n.Key] = true
				}
				for _, s := range a.stimuli {
					if s.ParticipantGroup != group || s.Block != block || have[s.Key] {
						continue
					}
					node := &domain.Node{
						NetworkID:        net.ID,
						TrialMakerID:     a.m.cfg.ID,
						ParticipantGroup: group,
						Block:            block,
						Key:              s.Key,
						Definition:       s.Definition,
						TargetNumTrials:  s.TargetNumTrials,
						CreatedAt:        now,
					}
					if err := tx.InsertNode(ctx, node); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (a *staticAllocator) initParticipant(ctx context.Context, p *domain.Participant) error {
	ns := a.m.vars(p)
	groups := a.groups()
	group := groups[0]
	if gc, ok := a.m.strategy.(GroupChooser); ok {
		group = gc.ChooseGroup(p, groups)
		if !slices.Contains(groups, group) {
			return fmt.Errorf("%w: group %q", domain.ErrBranchNotFound, group)
		}
	} else if len(groups) > 1 {
		a.m.withRNG(func(rng *rand.Rand) { group = groups[rng.IntN(len(groups))] })
	}

	blocks := a.blocks(group)
	var order []string
	a.m.withRNG(func(rng *rand.Rand) {
		if bc, ok := a.m.strategy.(BlockOrderChooser); ok {
			order = bc.ChooseBlockOrder(p, slices.Clone(blocks), rng)
			return
		}
		order = slices.Clone(blocks)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	})
	if err := ns.Set("participant_group", group); err != nil {
		return err
	}
	return ns.Set("block_order", order)
}

func (a *staticAllocator) allocate(ctx context.Context, p *domain.Participant) (*domain.Trial, error) {
	ns := a.m.vars(p)
	var group string
	var order []string
	if _, err := ns.Get("participant_group", &group); err != nil {
		return nil, err
	}
	if _, err := ns.Get("block_order", &order); err != nil {
		return nil, err
	}
	if group == "" {
		return nil, fmt.Errorf("participant %d has no group for %s", p.ID, a.m.cfg.ID)
	}

	for _, block := range order {
		var nets []*domain.Network
		err := a.m.db.View(ctx, func(tx *sqlite.Tx) error {
			var err error
			nets, err = tx.ListNetworks(ctx, sqlite.NetworkFilter{
				TrialMakerID:     a.m.cfg.ID,
				ParticipantGroup: group,
				Block:            block,
				ExcludeFailed:    true,
				ExcludeAwaiting:  true,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, net := range nets {
			var tr *domain.Trial
			err := a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
				tr = nil
				if err := tx.LockNetwork(ctx, net.ID); err != nil {
					return err
				}
				node, err := a.pickNode(ctx, tx, p, net.ID, block)
				if err != nil || node == nil {
					return err
				}
				tr = a.m.newTrial(p, node)
				return tx.InsertTrial(ctx, tr)
			})
			if err != nil {
				return nil, fmt.Errorf("allocate in network %d: %w", net.ID, err)
			}
			if tr != nil {
				return tr, nil
			}
		}
	}
	return nil, nil
}

// pickNode chooses a node of network netID for p, or nil when the network
// has nothing left for them. tx must hold the network lock.
func (a *staticAllocator) pickNode(ctx context.Context, tx *sqlite.Tx, p *domain.Participant, netID int64, block string) (*domain.Node, error) {
	cfg := a.m.cfg
	net, err := tx.GetNetwork(ctx, netID)
	if err != nil {
		return nil, err
	}
	if net.Failed || net.AwaitingAsyncProcess {
		return nil, nil
	}
	mine, err := tx.ParticipantNodeCounts(ctx, p.ID, netID)
	if err != nil {
		return nil, err
	}
	done := 0
	for _, n := range mine {
		done += n
	}
	if cfg.MaxTrialsPerBlock > 0 && done >= cfg.MaxTrialsPerBlock {
		return nil, nil
	}

	live, err := tx.LiveTrialCounts(ctx, netID)
	if err != nil {
		return nil, err
	}
	if net.TargetNumTrials != nil {
		total := 0
		for _, n := range live {
			total += n
		}
		if total >= *net.TargetNumTrials {
			return nil, nil
		}
	}

	nodes, err := tx.NodesInNetwork(ctx, netID, false)
	if err != nil {
		return nil, err
	}
	candidates := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.AwaitingAsyncProcess {
			continue
		}
		if n.TargetNumTrials != nil && live[n.ID] >= *n.TargetNumTrials {
			continue
		}
		if !cfg.AllowRepeatedNodes && mine[n.ID] > 0 {
			continue
		}
		candidates = append(candidates, n)
	}

	if cfg.MaxUniqueNodesPerBlock > 0 && len(mine) >= cfg.MaxUniqueNodesPerBlock {
		candidates = slices.DeleteFunc(candidates, func(n *domain.Node) bool { return mine[n.ID] == 0 })
	}

	if nf, ok := a.m.strategy.(NodeFilter); ok {
		if candidates, err = applyFilter(nf, p, block, candidates); err != nil {
			return nil, err
		}
	}

	if cfg.BalanceWithinParticipants {
		candidates = keepMinimum(candidates, func(n *domain.Node) int { return mine[n.ID] })
	}
	if cfg.BalanceAcrossParticipants {
		candidates = keepMinimum(candidates, func(n *domain.Node) int { return live[n.ID] })
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	var node *domain.Node
	a.m.withRNG(func(rng *rand.Rand) { node = candidates[rng.IntN(len(candidates))] })
	return node, nil
}

// applyFilter runs a custom node filter and checks that it only removed
// nodes.
func applyFilter(nf NodeFilter, p *domain.Participant, block string, nodes []*domain.Node) ([]*domain.Node, error) {
	allowed := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		allowed[n.ID] = true
	}
	out := nf.FilterNodes(p, block, slices.Clone(nodes))
	for _, n := range out {
		if n == nil || !allowed[n.ID] {
			return nil, fmt.Errorf("%w: filter returned a node outside its input", domain.ErrInvalidFilterResult)
		}
		delete(allowed, n.ID)
	}
	return out, nil
}

// keepMinimum returns the nodes whose count equals the smallest count.
func keepMinimum(nodes []*domain.Node, count func(*domain.Node) int) []*domain.Node {
	if len(nodes) == 0 {
		return nodes
	}
	lowest := count(nodes[0])
	for _, n := range nodes[1:] {
		lowest = min(lowest, count(n))
	}
	out := nodes[:0:0]
	for _, n := range nodes {
		if count(n) == lowest {
			out = append(out, n)
		}
	}
	return out
}

func (a *staticAllocator) afterFinalize(context.Context, *domain.Trial) error { return nil }

func (a *staticAllocator) propagateFailure(context.Context, *sqlite.Tx, *domain.Trial) error {
	return nil
}

func (a *staticAllocator) afterFailure(context.Context, *domain.Trial) error { return nil }

func (a *staticAllocator) expectedNumTrials() int {
	best := 0
	for _, group := range a.groups() {
		n := 0
		for _, block := range a.blocks(group) {
			size := 0
			for _, s := range a.stimuli {
				if s.ParticipantGroup == group && s.Block == block {
					size++
				}
			}
			if a.m.cfg.MaxTrialsPerBlock > 0 && (a.m.cfg.AllowRepeatedNodes || a.m.cfg.MaxTrialsPerBlock < size) {
				size = a.m.cfg.MaxTrialsPerBlock
			}
			n += size
		}
		best = max(best, n)
	}
	return best + a.m.cfg.NumRepeatTrials
}
