package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/trialflow/trialflow/internal/domain"
)

const networkColumns = `n.id, n.trial_maker_id, n.participant_group, n.block, n.target_num_trials,
	n.target_num_nodes, n.full, n.failed, n.failed_reason, n.chain_type, n.participant_id,
	n.awaiting_async, n.num_completed_trials, n.created_at,
	(SELECT COUNT(*) FROM nodes WHERE nodes.network_id = n.id AND nodes.failed = 0)`

// NetworkFilter narrows ListNetworks. Zero values match everything.
type NetworkFilter struct {
	TrialMakerID     string
	ParticipantGroup string
	Block            string
	ParticipantID    *int64
	ExcludeFull      bool
	ExcludeFailed    bool
	ExcludeAwaiting  bool
}

// InsertNetwork stores a new network and sets n.ID.
func (t *Tx) InsertNetwork(ctx context.Context, n *domain.Network) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO networks (trial_maker_id, participant_group, block, target_num_trials,
			target_num_nodes, full, failed, failed_reason, chain_type, participant_id,
			awaiting_async, num_completed_trials, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TrialMakerID, n.ParticipantGroup, n.Block, nullInt(n.TargetNumTrials),
		n.TargetNumNodes, n.Full, n.Failed, n.FailedReason, string(n.ChainType), nullID(n.ParticipantID),
		n.AwaitingAsyncProcess, n.NumCompletedTrials, unixMilli(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert network: %w", err)
	}
	n.ID, err = res.LastInsertId()
	return err
}

// GetNetwork loads a network by id.
func (t *Tx) GetNetwork(ctx context.Context, id int64) (*domain.Network, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+networkColumns+` FROM networks n WHERE n.id = ?`, id)
	n, err := scanNetwork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("network %d: %w", id, domain.ErrNetworkNotFound)
	}
	return n, err
}

// ListNetworks returns networks matching f, ordered by id.
func (t *Tx) ListNetworks(ctx context.Context, f NetworkFilter) ([]*domain.Network, error) {
	var where []string
	var args []any
	if f.TrialMakerID != "" {
		where = append(where, "n.trial_maker_id = ?")
		args = append(args, f.TrialMakerID)
	}
	if f.ParticipantGroup != "" {
		where = append(where, "n.participant_group = ?")
		args = append(args, f.ParticipantGroup)
	}
	if f.Block != "" {
		where = append(where, "n.block = ?")
		args = append(args, f.Block)
	}
	if f.ParticipantID != nil {
		where = append(where, "n.participant_id = ?")
		args = append(args, *f.ParticipantID)
	}
	if f.ExcludeFull {
		where = append(where, "n.full = 0")
	}
	if f.ExcludeFailed {
		where = append(where, "n.failed = 0")
	}
	if f.ExcludeAwaiting {
		where = append(where, "n.awaiting_async = 0")
	}

	query := `SELECT ` + networkColumns + ` FROM networks n`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY n.id"

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Network
	for rows.Next() {
		n, err := scanNetwork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNetwork saves the mutable network fields.
func (t *Tx) UpdateNetwork(ctx context.Context, n *domain.Network) error {
	_, err := t.q.ExecContext(ctx,
		`UPDATE networks SET full = ?, failed = ?, failed_reason = ?, awaiting_async = ?,
			num_completed_trials = ?, target_num_trials = ?
		 WHERE id = ?`,
		n.Full, n.Failed, n.FailedReason, n.AwaitingAsyncProcess,
		n.NumCompletedTrials, nullInt(n.TargetNumTrials), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update network %d: %w", n.ID, err)
	}
	return nil
}

// NetworksParticipatedIn returns the ids of networks where the participant
// holds at least one non-failed trial for the trial maker.
func (t *Tx) NetworksParticipatedIn(ctx context.Context, participantID int64, trialMakerID string) (map[int64]bool, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT DISTINCT network_id FROM trials
		 WHERE participant_id = ? AND trial_maker_id = ? AND failed = 0`,
		participantID, trialMakerID)
	if err != nil {
		return nil, fmt.Errorf("networks participated in: %w", err)
	}
	defer rows.Close()

	out := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func scanNetwork(s scanner) (*domain.Network, error) {
	var n domain.Network
	var targetTrials, participantID sql.NullInt64
	var chainType string
	var created int64
	err := s.Scan(&n.ID, &n.TrialMakerID, &n.ParticipantGroup, &n.Block, &targetTrials,
		&n.TargetNumNodes, &n.Full, &n.Failed, &n.FailedReason, &chainType, &participantID,
		&n.AwaitingAsyncProcess, &n.NumCompletedTrials, &created, &n.NumNodes)
	if err != nil {
		return nil, err
	}
	n.TargetNumTrials = intPtr(targetTrials)
	n.ParticipantID = idPtr(participantID)
	n.ChainType = domain.ChainType(chainType)
	n.CreatedAt = fromMilli(created)
	return &n, nil
}
