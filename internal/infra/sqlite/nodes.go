package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trialflow/trialflow/internal/domain"
)

const nodeColumns = `id, network_id, trial_maker_id, participant_group, block, key, definition,
	seed, degree, parent_id, target_num_trials, num_completed_trials, failed, failed_reason,
	awaiting_async, earliest_async_start, created_at`

// InsertNode stores a new node and sets n.ID.
func (t *Tx) InsertNode(ctx context.Context, n *domain.Node) error {
	def, err := encodeJSON(n.Definition)
	if err != nil {
		return fmt.Errorf("encode node definition: %w", err)
	}
	seed, err := encodeJSON(n.Seed)
	if err != nil {
		return fmt.Errorf("encode node seed: %w", err)
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO nodes (network_id, trial_maker_id, participant_group, block, key, definition,
			seed, degree, parent_id, target_num_trials, num_completed_trials, failed, failed_reason,
			awaiting_async, earliest_async_start, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.NetworkID, n.TrialMakerID, n.ParticipantGroup, n.Block, n.Key, def,
		seed, n.Degree, nullID(n.ParentID), nullInt(n.TargetNumTrials), n.NumCompletedTrials,
		n.Failed, n.FailedReason, n.AwaitingAsyncProcess, nullableMilli(n.EarliestAsyncStart),
		unixMilli(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	n.ID, err = res.LastInsertId()
	return err
}

// GetNode loads a node by id.
func (t *Tx) GetNode(ctx context.Context, id int64) (*domain.Node, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, domain.ErrNodeNotFound)
	}
	return n, err
}

// NodesInNetwork returns the network's nodes ordered by degree then id.
// Failed nodes are included only when withFailed is set.
func (t *Tx) NodesInNetwork(ctx context.Context, networkID int64, withFailed bool) ([]*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE network_id = ?`
	if !withFailed {
		query += ` AND failed = 0`
	}
	query += ` ORDER BY degree, id`

	rows, err := t.q.QueryContext(ctx, query, networkID)
	if err != nil {
		return nil, fmt.Errorf("nodes in network %d: %w", networkID, err)
	}
	defer rows.Close()

	var out []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// HeadNode returns the highest-degree non-failed node of a network, or nil
// when the network has none.
func (t *Tx) HeadNode(ctx context.Context, networkID int64) (*domain.Node, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE network_id = ? AND failed = 0
		 ORDER BY degree DESC, id DESC LIMIT 1`, networkID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

// UpdateNode saves the mutable node fields.
func (t *Tx) UpdateNode(ctx context.Context, n *domain.Node) error {
	def, err := encodeJSON(n.Definition)
	if err != nil {
		return fmt.Errorf("encode node definition: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`UPDATE nodes SET definition = ?, num_completed_trials = ?, failed = ?, failed_reason = ?,
			awaiting_async = ?, earliest_async_start = ?
		 WHERE id = ?`,
		def, n.NumCompletedTrials, n.Failed, n.FailedReason,
		n.AwaitingAsyncProcess, nullableMilli(n.EarliestAsyncStart), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node %d: %w", n.ID, err)
	}
	return nil
}

// AdjustCompleted moves the completed-trial counters of a node and its
// network by delta.
func (t *Tx) AdjustCompleted(ctx context.Context, nodeID, networkID int64, delta int) error {
	if _, err := t.q.ExecContext(ctx,
		`UPDATE nodes SET num_completed_trials = MAX(num_completed_trials + ?, 0) WHERE id = ?`,
		delta, nodeID); err != nil {
		return fmt.Errorf("adjust node %d: %w", nodeID, err)
	}
	if _, err := t.q.ExecContext(ctx,
		`UPDATE networks SET num_completed_trials = MAX(num_completed_trials + ?, 0) WHERE id = ?`,
		delta, networkID); err != nil {
		return fmt.Errorf("adjust network %d: %w", networkID, err)
	}
	return nil
}

// NodesAwaitingSince returns nodes of a trial maker still awaiting an async
// process that started before cutoffMilli.
func (t *Tx) NodesAwaitingSince(ctx context.Context, trialMakerID string, cutoffMilli int64) ([]*domain.Node, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE trial_maker_id = ? AND awaiting_async = 1 AND failed = 0
		   AND earliest_async_start IS NOT NULL AND earliest_async_start < ?
		 ORDER BY id`, trialMakerID, cutoffMilli)
	if err != nil {
		return nil, fmt.Errorf("nodes awaiting async: %w", err)
	}
	defer rows.Close()

	var out []*domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(s scanner) (*domain.Node, error) {
	var n domain.Node
	var def, seed string
	var parentID, targetTrials, earliest sql.NullInt64
	var created int64
	err := s.Scan(&n.ID, &n.NetworkID, &n.TrialMakerID, &n.ParticipantGroup, &n.Block, &n.Key, &def,
		&seed, &n.Degree, &parentID, &targetTrials, &n.NumCompletedTrials, &n.Failed, &n.FailedReason,
		&n.AwaitingAsyncProcess, &earliest, &created)
	if err != nil {
		return nil, err
	}
	if n.Definition, err = decodeMap(def); err != nil {
		return nil, fmt.Errorf("decode node %d definition: %w", n.ID, err)
	}
	if n.Seed, err = decodeMap(seed); err != nil {
		return nil, fmt.Errorf("decode node %d seed: %w", n.ID, err)
	}
	n.ParentID = idPtr(parentID)
	n.TargetNumTrials = intPtr(targetTrials)
	n.EarliestAsyncStart = timePtr(earliest)
	n.CreatedAt = fromMilli(created)
	return &n, nil
}
