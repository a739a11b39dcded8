package trial

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/trialflow/trialflow/internal/domain"
	"github.com/trialflow/trialflow/internal/infra/metrics"
	"github.com/trialflow/trialflow/internal/infra/sqlite"
	"github.com/trialflow/trialflow/internal/process"
)

// NodeFunc is an async process run on a newly created chain node, such as
// stimulus synthesis. Its result is merged into the node's definition.
type NodeFunc func(ctx context.Context, node *domain.Node) (map[string]any, error)

// ChainConfig configures an adaptive chain trial maker.
type ChainConfig struct {
	ChainType            domain.ChainType
	ChainsPerParticipant int // within chains
	ChainsPerExperiment  int // across chains, per participant group
	NodesPerChain        int
	TrialsPerNode        int
	// TrialsPerParticipant caps the participant's completed trials. Zero
	// means no cap.
	TrialsPerParticipant    int
	AllowRevisitingNetworks bool
	BalanceAcrossChains     bool
	Groups                  []string
	SynthesizeNode          NodeFunc
}

// NewChain returns a trial maker whose networks are chains grown one node
// at a time from the processed trials of the current head node.
func NewChain(cfg Config, chain ChainConfig, strategy Strategy, deps Deps) (*Maker, error) {
	m, err := newMaker(cfg, strategy, deps)
	if err != nil {
		return nil, err
	}
	summarizer, ok := strategy.(TrialSummarizer)
	if !ok {
		return nil, fmt.Errorf("trial maker %q: chain strategy must summarize trials", cfg.ID)
	}
	switch chain.ChainType {
	case domain.ChainWithin:
		if chain.ChainsPerParticipant <= 0 {
			return nil, fmt.Errorf("trial maker %q: chains_per_participant must be positive", cfg.ID)
		}
	case domain.ChainAcross:
		if chain.ChainsPerExperiment <= 0 {
			return nil, fmt.Errorf("trial maker %q: chains_per_experiment must be positive", cfg.ID)
		}
	default:
		return nil, fmt.Errorf("trial maker %q: unknown chain type %q", cfg.ID, chain.ChainType)
	}
	if chain.NodesPerChain < 2 {
		return nil, fmt.Errorf("trial maker %q: nodes_per_chain must be at least 2", cfg.ID)
	}
	if chain.TrialsPerNode <= 0 {
		chain.TrialsPerNode = 1
	}
	if len(chain.Groups) == 0 {
		chain.Groups = []string{DefaultGroup}
	}
	if chain.SynthesizeNode != nil && deps.Tracker == nil {
		return nil, fmt.Errorf("trial maker %q: node synthesis needs an async tracker", cfg.ID)
	}

	a := &chainAllocator{m: m, cfg: chain, summarizer: summarizer}
	m.alloc = a
	if deps.Tracker != nil {
		deps.Tracker.Subscribe(a.onProcessSettled)
	}
	return m, nil
}

// GrowNetwork appends a node to the chain if its head is ready. It is a
// no-op for static trial makers.
func (m *Maker) GrowNetwork(ctx context.Context, networkID int64) (bool, error) {
	a, ok := m.alloc.(*chainAllocator)
	if !ok {
		return false, nil
	}
	return a.grow(ctx, networkID)
}

type chainAllocator struct {
	m          *Maker
	cfg        ChainConfig
	summarizer TrialSummarizer
}

func (a *chainAllocator) newNetwork(group string, owner *int64) *domain.Network {
	return &domain.Network{
		TrialMakerID:     a.m.cfg.ID,
		ParticipantGroup: group,
		Block:            DefaultBlock,
		TargetNumNodes:   a.cfg.NodesPerChain,
		ChainType:        a.cfg.ChainType,
		ParticipantID:    owner,
		CreatedAt:        a.m.now(),
	}
}

// seedNode inserts the degree-0 node of net.
func (a *chainAllocator) seedNode(ctx context.Context, tx *sqlite.Tx, net *domain.Network) (*domain.Node, error) {
	def := map[string]any{}
	if cs, ok := a.m.strategy.(ChainSeeder); ok {
		a.m.withRNG(func(rng *rand.Rand) { def = cs.InitialDefinition(net, rng) })
	}
	node := &domain.Node{
		NetworkID:        net.ID,
		TrialMakerID:     net.TrialMakerID,
		ParticipantGroup: net.ParticipantGroup,
		Block:            net.Block,
		Definition:       def,
		Seed:             def,
		CreatedAt:        a.m.now(),
	}
	if err := tx.InsertNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// createChains inserts n chains with their seed nodes and returns the seeds.
func (a *chainAllocator) createChains(ctx context.Context, tx *sqlite.Tx, group string, owner *int64, n int) ([]*domain.Node, error) {
	var seeds []*domain.Node
	for range n {
		net := a.newNetwork(group, owner)
		if err := tx.InsertNetwork(ctx, net); err != nil {
			return nil, err
		}
		seed, err := a.seedNode(ctx, tx, net)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func (a *chainAllocator) deploy(ctx context.Context) error {
	if a.cfg.ChainType != domain.ChainAcross {
		return nil
	}
	var seeds []*domain.Node
	err := a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		seeds = nil
		for _, group := range a.cfg.Groups {
			existing, err := tx.ListNetworks(ctx, sqlite.NetworkFilter{TrialMakerID: a.m.cfg.ID, ParticipantGroup: group})
			if err != nil {
				return err
			}
			missing := a.cfg.ChainsPerExperiment - len(existing)
			if missing <= 0 {
				continue
			}
			created, err := a.createChains(ctx, tx, group, nil, missing)
			if err != nil {
				return err
			}
			seeds = append(seeds, created...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.synthesize(ctx, seeds)
	return nil
}

func (a *chainAllocator) initParticipant(ctx context.Context, p *domain.Participant) error {
	group := a.cfg.Groups[0]
	if gc, ok := a.m.strategy.(GroupChooser); ok {
		group = gc.ChooseGroup(p, a.cfg.Groups)
		if !slices.Contains(a.cfg.Groups, group) {
			return fmt.Errorf("%w: group %q", domain.ErrBranchNotFound, group)
		}
	} else if len(a.cfg.Groups) > 1 {
		a.m.withRNG(func(rng *rand.Rand) { group = a.cfg.Groups[rng.IntN(len(a.cfg.Groups))] })
	}
	ns := a.m.vars(p)
	if err := ns.Set("participant_group", group); err != nil {
		return err
	}
	if a.cfg.ChainType != domain.ChainWithin {
		return nil
	}

	var seeds []*domain.Node
	err := a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		seeds = nil
		existing, err := tx.ListNetworks(ctx, sqlite.NetworkFilter{TrialMakerID: a.m.cfg.ID, ParticipantID: &p.ID})
		if err != nil {
			return err
		}
		missing := a.cfg.ChainsPerParticipant - len(existing)
		if missing <= 0 {
			return nil
		}
		seeds, err = a.createChains(ctx, tx, group, &p.ID, missing)
		return err
	})
	if err != nil {
		return fmt.Errorf("create chains for participant %d: %w", p.ID, err)
	}
	a.synthesize(ctx, seeds)
	return nil
}

// synthesize registers the node synthesis process on each node.
func (a *chainAllocator) synthesize(ctx context.Context, nodes []*domain.Node) {
	if a.cfg.SynthesizeNode == nil {
		return
	}
	fn := a.cfg.SynthesizeNode
	for _, node := range nodes {
		snapshot := *node
		owner := process.Owner{Kind: domain.OwnerNode, ID: node.ID, NetworkID: node.NetworkID}
		_, err := a.m.tracker.Register(ctx, owner, a.m.cfg.ID+"/synthesize", func(ctx context.Context) (map[string]any, error) {
			return fn(ctx, &snapshot)
		})
		if err != nil {
			a.m.logger.Error("register node synthesis", "node", node.ID, "error", err)
		}
	}
}

// completedCount counts the participant's completed, non-failed,
// non-repeat trials for this maker.
func (a *chainAllocator) completedCount(trials []*domain.Trial) int {
	n := 0
	for _, tr := range trials {
		if tr.Complete && !tr.Failed && !tr.IsRepeatTrial {
			n++
		}
	}
	return n
}

type chainCandidate struct {
	net  *domain.Network
	head *domain.Node
}

func (a *chainAllocator) allocate(ctx context.Context, p *domain.Participant) (*domain.Trial, error) {
	var group string
	if _, err := a.m.vars(p).Get("participant_group", &group); err != nil {
		return nil, err
	}

	var candidates []chainCandidate
	err := a.m.db.View(ctx, func(tx *sqlite.Tx) error {
		candidates = nil
		trials, err := tx.ParticipantTrials(ctx, p.ID, a.m.cfg.ID)
		if err != nil {
			return err
		}
		if a.cfg.TrialsPerParticipant > 0 && a.completedCount(trials) >= a.cfg.TrialsPerParticipant {
			return nil
		}
		visitedNodes := make(map[int64]bool, len(trials))
		for _, tr := range trials {
			if !tr.Failed {
				visitedNodes[tr.NodeID] = true
			}
		}

		f := sqlite.NetworkFilter{
			TrialMakerID:     a.m.cfg.ID,
			ParticipantGroup: group,
			ExcludeFull:      true,
			ExcludeFailed:    true,
		}
		if a.cfg.ChainType == domain.ChainWithin {
			f.ParticipantID = &p.ID
		}
		nets, err := tx.ListNetworks(ctx, f)
		if err != nil {
			return err
		}
		visited := map[int64]bool{}
		if a.cfg.ChainType == domain.ChainAcross && !a.cfg.AllowRevisitingNetworks {
			if visited, err = tx.NetworksParticipatedIn(ctx, p.ID, a.m.cfg.ID); err != nil {
				return err
			}
		}
		for _, net := range nets {
			if net.AwaitingAsyncProcess || visited[net.ID] {
				continue
			}
			if a.cfg.ChainType == domain.ChainAcross && net.ParticipantID != nil {
				continue
			}
			head, ok, err := a.openHead(ctx, tx, net.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if a.cfg.ChainType == domain.ChainAcross && visitedNodes[head.ID] {
				continue
			}
			candidates = append(candidates, chainCandidate{net: net, head: head})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.m.withRNG(func(rng *rand.Rand) {
		rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	})
	if a.cfg.BalanceAcrossChains {
		slices.SortStableFunc(candidates, func(x, y chainCandidate) int {
			return x.net.NumCompletedTrials - y.net.NumCompletedTrials
		})
	}

	for _, c := range candidates {
		var tr *domain.Trial
		err := a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
			tr = nil
			if err := tx.LockNetwork(ctx, c.net.ID); err != nil {
				return err
			}
			net, err := tx.GetNetwork(ctx, c.net.ID)
			if err != nil {
				return err
			}
			if net.Full || net.Failed || net.AwaitingAsyncProcess {
				return nil
			}
			head, ok, err := a.openHead(ctx, tx, net.ID)
			if err != nil || !ok || head.ID != c.head.ID {
				return err
			}
			tr = a.m.newTrial(p, head)
			return tx.InsertTrial(ctx, tr)
		})
		if err != nil {
			return nil, fmt.Errorf("allocate in chain %d: %w", c.net.ID, err)
		}
		if tr != nil {
			return tr, nil
		}
	}
	return nil, nil
}

// openHead returns the chain's head node when it can take another trial.
func (a *chainAllocator) openHead(ctx context.Context, tx *sqlite.Tx, networkID int64) (*domain.Node, bool, error) {
	head, err := tx.HeadNode(ctx, networkID)
	if err != nil || head == nil {
		return nil, false, err
	}
	if head.AwaitingAsyncProcess {
		return head, false, nil
	}
	live, err := tx.LiveTrialCounts(ctx, networkID)
	if err != nil {
		return nil, false, err
	}
	return head, live[head.ID] < a.cfg.TrialsPerNode, nil
}

func (a *chainAllocator) afterFinalize(ctx context.Context, tr *domain.Trial) error {
	_, err := a.grow(ctx, tr.NetworkID)
	return err
}

// grow appends a node to the chain under the network lock.
func (a *chainAllocator) grow(ctx context.Context, networkID int64) (bool, error) {
	var created *domain.Node
	err := a.m.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		created = nil
		if err := tx.LockNetwork(ctx, networkID); err != nil {
			return err
		}
		net, err := tx.GetNetwork(ctx, networkID)
		if err != nil {
			return err
		}
		if net.TrialMakerID != a.m.cfg.ID || net.Failed {
			return nil
		}
		full := net.NumNodes >= a.cfg.NodesPerChain
		if full != net.Full {
			net.Full = full
			if err := tx.UpdateNetwork(ctx, net); err != nil {
				return err
			}
		}
		if full {
			return nil
		}

		head, err := tx.HeadNode(ctx, networkID)
		if err != nil {
			return err
		}
		if head == nil {
			created, err = a.seedNode(ctx, tx, net)
			return err
		}
		if head.AwaitingAsyncProcess {
			return nil
		}
		trials, err := tx.NodeTrials(ctx, head.ID)
		if err != nil {
			return err
		}
		processed := trials[:0]
		for _, tr := range trials {
			if tr.Processed() && !tr.IsRepeatTrial {
				processed = append(processed, tr)
			}
		}
		ready := len(processed) >= a.cfg.TrialsPerNode
		if g, ok := a.m.strategy.(NetworkGrower); ok {
			ready = g.ShouldGrow(net, head, processed)
		}
		if !ready {
			return nil
		}

		def, err := a.summarizer.SummarizeTrials(head, processed)
		if err != nil {
			return fmt.Errorf("summarize node %d: %w", head.ID, err)
		}
		parent := head.ID
		node := &domain.Node{
			NetworkID:        net.ID,
			TrialMakerID:     net.TrialMakerID,
			ParticipantGroup: net.ParticipantGroup,
			Block:            net.Block,
			Definition:       def,
			Seed:             head.Seed,
			Degree:           head.Degree + 1,
			ParentID:         &parent,
			CreatedAt:        a.m.now(),
		}
		if err := tx.InsertNode(ctx, node); err != nil {
			return err
		}
		if net.NumNodes+1 >= a.cfg.NodesPerChain {
			net.Full = true
			if err := tx.UpdateNetwork(ctx, net); err != nil {
				return err
			}
		}
		created = node
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("grow network %d: %w", networkID, err)
	}
	if created == nil {
		return false, nil
	}
	metrics.NetworksGrown.WithLabelValues(a.m.cfg.ID).Inc()
	a.m.logger.Debug("network grown", "network", networkID, "node", created.ID, "degree", created.Degree)
	a.synthesize(ctx, []*domain.Node{created})
	return true, nil
}

// onProcessSettled retries growth once a process on one of this maker's
// networks finishes or fails.
func (a *chainAllocator) onProcessSettled(ctx context.Context, proc *domain.AsyncProcess) {
	if proc.NetworkID == 0 {
		return
	}
	if _, err := a.grow(ctx, proc.NetworkID); err != nil {
		a.m.logger.Error("grow after async process", "network", proc.NetworkID, "key", proc.Key, "error", err)
	}
}

// propagateFailure fails every node descended from the failed trial's
// node, along with their trials, so the chain regrows from the last
// sound node.
func (a *chainAllocator) propagateFailure(ctx context.Context, tx *sqlite.Tx, tr *domain.Trial) error {
	nodes, err := tx.NodesInNetwork(ctx, tr.NetworkID, false)
	if err != nil {
		return err
	}
	doomed := map[int64]bool{tr.NodeID: true}
	for _, n := range nodes {
		if n.ParentID == nil || !doomed[*n.ParentID] {
			continue
		}
		doomed[n.ID] = true
		n.Failed = true
		n.FailedReason = domain.ReasonParentFailed
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}
		trials, err := tx.NodeTrials(ctx, n.ID)
		if err != nil {
			return err
		}
		for _, child := range trials {
			if _, err := tx.FailTrial(ctx, child, domain.ReasonParentFailed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *chainAllocator) afterFailure(ctx context.Context, tr *domain.Trial) error {
	_, err := a.grow(ctx, tr.NetworkID)
	return err
}

func (a *chainAllocator) expectedNumTrials() int {
	if a.cfg.TrialsPerParticipant > 0 {
		return a.cfg.TrialsPerParticipant + a.m.cfg.NumRepeatTrials
	}
	n := a.cfg.ChainsPerExperiment
	if a.cfg.ChainType == domain.ChainWithin {
		n = a.cfg.ChainsPerParticipant * (a.cfg.NodesPerChain - 1) * a.cfg.TrialsPerNode
	}
	return n + a.m.cfg.NumRepeatTrials
}
