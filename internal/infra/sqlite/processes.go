package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
)

const processColumns = `id, key, label, owner_kind, owner_id, network_id, pending, finished,
	failed, failed_reason, result, started_at, finished_at, timeout_ms`

// InsertProcess stores a new async process and sets p.ID.
func (t *Tx) InsertProcess(ctx context.Context, p *domain.AsyncProcess) error {
	result, err := encodeJSON(p.Result)
	if err != nil {
		return fmt.Errorf("encode process result: %w", err)
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO async_processes (key, label, owner_kind, owner_id, network_id, pending,
			finished, failed, failed_reason, result, started_at, finished_at, timeout_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Key, p.Label, string(p.OwnerKind), p.OwnerID, p.NetworkID, p.Pending,
		p.Finished, p.Failed, p.FailedReason, result, unixMilli(p.StartedAt),
		nullableMilli(p.FinishedAt), p.Timeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProcess loads an async process by key.
func (t *Tx) GetProcess(ctx context.Context, key string) (*domain.AsyncProcess, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM async_processes WHERE key = ?`, key)
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", key, domain.ErrProcessUnknown)
	}
	return p, err
}

// UpdateProcess saves the mutable process fields.
func (t *Tx) UpdateProcess(ctx context.Context, p *domain.AsyncProcess) error {
	result, err := encodeJSON(p.Result)
	if err != nil {
		return fmt.Errorf("encode process result: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`UPDATE async_processes SET pending = ?, finished = ?, failed = ?, failed_reason = ?,
			result = ?, finished_at = ?
		 WHERE id = ?`,
		p.Pending, p.Finished, p.Failed, p.FailedReason, result, nullableMilli(p.FinishedAt), p.ID,
	)
	if err != nil {
		return fmt.Errorf("update process %s: %w", p.Key, err)
	}
	return nil
}

// PendingProcesses returns the pending processes attached to an owner.
func (t *Tx) PendingProcesses(ctx context.Context, kind domain.OwnerKind, ownerID int64) ([]*domain.AsyncProcess, error) {
	return t.listProcesses(ctx,
		`SELECT `+processColumns+` FROM async_processes
		 WHERE owner_kind = ? AND owner_id = ? AND pending = 1 ORDER BY id`,
		string(kind), ownerID)
}

// ExpiredProcesses returns pending processes started before cutoff.
func (t *Tx) ExpiredProcesses(ctx context.Context, cutoff time.Time) ([]*domain.AsyncProcess, error) {
	return t.listProcesses(ctx,
		`SELECT `+processColumns+` FROM async_processes
		 WHERE pending = 1 AND started_at < ? ORDER BY id`, unixMilli(cutoff))
}

// CountPendingProcesses counts every pending process.
func (t *Tx) CountPendingProcesses(ctx context.Context) (int, error) {
	var n int
	if err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM async_processes WHERE pending = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending processes: %w", err)
	}
	return n, nil
}

// SetAwaiting sets the owner's awaiting flag and earliest pending start.
func (t *Tx) SetAwaiting(ctx context.Context, kind domain.OwnerKind, ownerID int64, awaiting bool, earliest *time.Time) error {
	var query string
	switch kind {
	case domain.OwnerTrial:
		query = `UPDATE trials SET awaiting_async = ?, earliest_async_start = ? WHERE id = ?`
	case domain.OwnerNode:
		query = `UPDATE nodes SET awaiting_async = ?, earliest_async_start = ? WHERE id = ?`
	case domain.OwnerNetwork:
		if _, err := t.q.ExecContext(ctx,
			`UPDATE networks SET awaiting_async = ? WHERE id = ?`, awaiting, ownerID); err != nil {
			return fmt.Errorf("set network %d awaiting: %w", ownerID, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown owner kind %q", kind)
	}
	if _, err := t.q.ExecContext(ctx, query, awaiting, nullableMilli(earliest), ownerID); err != nil {
		return fmt.Errorf("set %s %d awaiting: %w", kind, ownerID, err)
	}
	return nil
}

func (t *Tx) listProcesses(ctx context.Context, query string, args ...any) ([]*domain.AsyncProcess, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []*domain.AsyncProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProcess(s scanner) (*domain.AsyncProcess, error) {
	var p domain.AsyncProcess
	var kind, result string
	var started, timeoutMS int64
	var finished sql.NullInt64
	err := s.Scan(&p.ID, &p.Key, &p.Label, &kind, &p.OwnerID, &p.NetworkID, &p.Pending, &p.Finished,
		&p.Failed, &p.FailedReason, &result, &started, &finished, &timeoutMS)
	if err != nil {
		return nil, err
	}
	if p.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("decode process %s result: %w", p.Key, err)
	}
	p.OwnerKind = domain.OwnerKind(kind)
	p.StartedAt = fromMilli(started)
	p.FinishedAt = timePtr(finished)
	p.Timeout = time.Duration(timeoutMS) * time.Millisecond
	return &p, nil
}
