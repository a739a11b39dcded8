package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trialflow/trialflow/internal/domain"
)

const trialColumns = `id, participant_id, node_id, network_id, trial_maker_id, block, definition,
	answer, complete, finalized, failed, failed_reason, awaiting_async, earliest_async_start,
	is_repeat_trial, repeat_of, score, performance_reward, analysis, response_id,
	created_at, completed_at`

// InsertTrial stores a new trial and sets tr.ID.
func (t *Tx) InsertTrial(ctx context.Context, tr *domain.Trial) error {
	def, err := encodeJSON(tr.Definition)
	if err != nil {
		return fmt.Errorf("encode trial definition: %w", err)
	}
	analysis, err := encodeJSON(tr.Analysis)
	if err != nil {
		return fmt.Errorf("encode trial analysis: %w", err)
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO trials (participant_id, node_id, network_id, trial_maker_id, block, definition,
			answer, complete, finalized, failed, failed_reason, awaiting_async, earliest_async_start,
			is_repeat_trial, repeat_of, score, performance_reward, analysis, response_id,
			created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ParticipantID, tr.NodeID, tr.NetworkID, tr.TrialMakerID, tr.Block, def,
		nullRaw(tr.Answer), tr.Complete, tr.Finalized, tr.Failed, tr.FailedReason,
		tr.AwaitingAsyncProcess, nullableMilli(tr.EarliestAsyncStart),
		tr.IsRepeatTrial, nullID(tr.RepeatOf), nullFloat(tr.Score), tr.PerformanceReward,
		analysis, nullID(tr.ResponseID), unixMilli(tr.CreatedAt), nullableMilli(tr.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert trial: %w", err)
	}
	tr.ID, err = res.LastInsertId()
	return err
}

// GetTrial loads a trial by id.
func (t *Tx) GetTrial(ctx context.Context, id int64) (*domain.Trial, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)
	tr, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trial %d: %w", id, domain.ErrTrialNotFound)
	}
	return tr, err
}

// UpdateTrial saves the mutable trial fields.
func (t *Tx) UpdateTrial(ctx context.Context, tr *domain.Trial) error {
	analysis, err := encodeJSON(tr.Analysis)
	if err != nil {
		return fmt.Errorf("encode trial analysis: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`UPDATE trials SET answer = ?, complete = ?, finalized = ?, failed = ?, failed_reason = ?,
			awaiting_async = ?, earliest_async_start = ?, score = ?, performance_reward = ?,
			analysis = ?, response_id = ?, completed_at = ?
		 WHERE id = ?`,
		nullRaw(tr.Answer), tr.Complete, tr.Finalized, tr.Failed, tr.FailedReason,
		tr.AwaitingAsyncProcess, nullableMilli(tr.EarliestAsyncStart), nullFloat(tr.Score),
		tr.PerformanceReward, analysis, nullID(tr.ResponseID), nullableMilli(tr.CompletedAt), tr.ID,
	)
	if err != nil {
		return fmt.Errorf("update trial %d: %w", tr.ID, err)
	}
	return nil
}

// FailTrial marks a trial failed with reason. A trial that had been
// counted as completed is uncounted from its node and network in the same
// transaction. It reports false when the trial was already failed.
func (t *Tx) FailTrial(ctx context.Context, tr *domain.Trial, reason string) (bool, error) {
	if tr.Failed {
		return false, nil
	}
	counted := tr.Complete && !tr.IsRepeatTrial
	tr.Failed = true
	tr.FailedReason = reason
	if err := t.UpdateTrial(ctx, tr); err != nil {
		return false, err
	}
	if counted {
		if err := t.AdjustCompleted(ctx, tr.NodeID, tr.NetworkID, -1); err != nil {
			return false, err
		}
	}
	return true, nil
}

// LiveTrialCounts maps each node of a network to its number of non-failed,
// non-repeat trials, complete or still in progress.
func (t *Tx) LiveTrialCounts(ctx context.Context, networkID int64) (map[int64]int, error) {
	return t.countByNode(ctx,
		`SELECT node_id, COUNT(*) FROM trials
		 WHERE network_id = ? AND failed = 0 AND is_repeat_trial = 0
		 GROUP BY node_id`, networkID)
}

// ParticipantNodeCounts maps each node of a network to the number of
// non-repeat trials the participant has completed on it without failing.
func (t *Tx) ParticipantNodeCounts(ctx context.Context, participantID, networkID int64) (map[int64]int, error) {
	return t.countByNode(ctx,
		`SELECT node_id, COUNT(*) FROM trials
		 WHERE participant_id = ? AND network_id = ? AND complete = 1 AND failed = 0
		   AND is_repeat_trial = 0
		 GROUP BY node_id`, participantID, networkID)
}

func (t *Tx) countByNode(ctx context.Context, query string, args ...any) (map[int64]int, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count trials by node: %w", err)
	}
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ParticipantTrials returns the participant's trials for a trial maker in
// creation order.
func (t *Tx) ParticipantTrials(ctx context.Context, participantID int64, trialMakerID string) ([]*domain.Trial, error) {
	return t.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials
		 WHERE participant_id = ? AND trial_maker_id = ? ORDER BY id`,
		participantID, trialMakerID)
}

// OpenTrial returns the participant's unfinished, non-failed trial for the
// trial maker, or nil.
func (t *Tx) OpenTrial(ctx context.Context, participantID int64, trialMakerID string) (*domain.Trial, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials
		 WHERE participant_id = ? AND trial_maker_id = ? AND complete = 0 AND failed = 0
		 ORDER BY id DESC LIMIT 1`, participantID, trialMakerID)
	tr, err := scanTrial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tr, err
}

// NodeTrials returns every trial on a node.
func (t *Tx) NodeTrials(ctx context.Context, nodeID int64) ([]*domain.Trial, error) {
	return t.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE node_id = ? ORDER BY id`, nodeID)
}

// StaleTrials returns incomplete, non-failed trials of a trial maker
// created before cutoffMilli.
func (t *Tx) StaleTrials(ctx context.Context, trialMakerID string, cutoffMilli int64) ([]*domain.Trial, error) {
	return t.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials
		 WHERE trial_maker_id = ? AND complete = 0 AND failed = 0 AND created_at < ?
		 ORDER BY id`, trialMakerID, cutoffMilli)
}

// TrialsAwaitingSince returns non-failed trials of a trial maker awaiting an
// async process that started before cutoffMilli.
func (t *Tx) TrialsAwaitingSince(ctx context.Context, trialMakerID string, cutoffMilli int64) ([]*domain.Trial, error) {
	return t.listTrials(ctx,
		`SELECT `+trialColumns+` FROM trials
		 WHERE trial_maker_id = ? AND awaiting_async = 1 AND failed = 0
		   AND earliest_async_start IS NOT NULL AND earliest_async_start < ?
		 ORDER BY id`, trialMakerID, cutoffMilli)
}

// CompletedTrialCount counts complete, non-failed, non-repeat trials of a
// trial maker.
func (t *Tx) CompletedTrialCount(ctx context.Context, trialMakerID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trials
		 WHERE trial_maker_id = ? AND complete = 1 AND failed = 0 AND is_repeat_trial = 0`,
		trialMakerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed trials: %w", err)
	}
	return n, nil
}

// CompletedParticipantCount counts successfully finished participants who
// took at least one trial from the trial maker.
func (t *Tx) CompletedParticipantCount(ctx context.Context, trialMakerID string) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT p.id) FROM participants p
		 JOIN trials tr ON tr.participant_id = p.id
		 WHERE tr.trial_maker_id = ? AND p.complete = 1 AND p.failed = 0`,
		trialMakerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed participants: %w", err)
	}
	return n, nil
}

func (t *Tx) listTrials(ctx context.Context, query string, args ...any) ([]*domain.Trial, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var out []*domain.Trial
	for rows.Next() {
		tr, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTrial(s scanner) (*domain.Trial, error) {
	var tr domain.Trial
	var def, analysis string
	var answer sql.NullString
	var earliest, repeatOf, responseID, completed sql.NullInt64
	var score sql.NullFloat64
	var created int64
	err := s.Scan(&tr.ID, &tr.ParticipantID, &tr.NodeID, &tr.NetworkID, &tr.TrialMakerID, &tr.Block, &def,
		&answer, &tr.Complete, &tr.Finalized, &tr.Failed, &tr.FailedReason, &tr.AwaitingAsyncProcess, &earliest,
		&tr.IsRepeatTrial, &repeatOf, &score, &tr.PerformanceReward, &analysis, &responseID,
		&created, &completed)
	if err != nil {
		return nil, err
	}
	if tr.Definition, err = decodeMap(def); err != nil {
		return nil, fmt.Errorf("decode trial %d definition: %w", tr.ID, err)
	}
	if tr.Analysis, err = decodeMap(analysis); err != nil {
		return nil, fmt.Errorf("decode trial %d analysis: %w", tr.ID, err)
	}
	if answer.Valid {
		tr.Answer = []byte(answer.String)
	}
	tr.EarliestAsyncStart = timePtr(earliest)
	tr.RepeatOf = idPtr(repeatOf)
	tr.Score = floatPtr(score)
	tr.ResponseID = idPtr(responseID)
	tr.CreatedAt = fromMilli(created)
	tr.CompletedAt = timePtr(completed)
	return &tr, nil
}
