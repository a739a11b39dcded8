package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/trialflow/trialflow/internal/domain"
)

// participantState is the part of a participant stored as a JSON blob.
type participantState struct {
	FailureTags  []string                       `json:"failure_tags,omitempty"`
	Answer       json.RawMessage                `json:"answer,omitempty"`
	BranchLog    []domain.BranchEntry           `json:"branch_log,omitempty"`
	Vars         domain.Vars                    `json:"vars"`
	ModuleStates map[string]*domain.ModuleState `json:"module_states"`
	TimeCredit   domain.TimeCredit              `json:"time_credit"`
}

const participantColumns = `id, worker_id, elt_id, page_uuid, complete, failed, failed_reason,
	performance_reward, base_payment, last_response_id, state, created_at, updated_at`

// InsertParticipant stores a new participant and sets p.ID.
func (t *Tx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	state, err := encodeParticipantState(p)
	if err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO participants (worker_id, elt_id, page_uuid, complete, failed, failed_reason,
			performance_reward, base_payment, last_response_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.WorkerID, p.EltID, p.PageUUID, p.Complete, p.Failed, p.FailedReason,
		p.PerformanceReward, p.BasePayment, p.LastResponseID, state,
		unixMilli(p.CreatedAt), unixMilli(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetParticipant loads a participant by id.
func (t *Tx) GetParticipant(ctx context.Context, id int64) (*domain.Participant, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %d: %w", id, domain.ErrParticipantNotFound)
	}
	return p, err
}

// GetParticipantByWorker loads a participant by worker id.
func (t *Tx) GetParticipantByWorker(ctx context.Context, workerID string) (*domain.Participant, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE worker_id = ?`, workerID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %q: %w", workerID, domain.ErrParticipantNotFound)
	}
	return p, err
}

// UpdateParticipant saves p. When expectUUID is non-empty the write only
// succeeds if the stored page UUID still equals it; otherwise ErrStalePage.
func (t *Tx) UpdateParticipant(ctx context.Context, p *domain.Participant, expectUUID string) error {
	state, err := encodeParticipantState(p)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	query := `UPDATE participants SET elt_id = ?, page_uuid = ?, complete = ?, failed = ?,
			failed_reason = ?, performance_reward = ?, base_payment = ?, last_response_id = ?,
			state = ?, updated_at = ?
		 WHERE id = ?`
	args := []any{
		p.EltID, p.PageUUID, p.Complete, p.Failed, p.FailedReason,
		p.PerformanceReward, p.BasePayment, p.LastResponseID, state,
		unixMilli(p.UpdatedAt), p.ID,
	}
	if expectUUID != "" {
		query += ` AND page_uuid = ?`
		args = append(args, expectUUID)
	}

	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update participant %d: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if expectUUID != "" {
			return domain.ErrStalePage
		}
		return fmt.Errorf("participant %d: %w", p.ID, domain.ErrParticipantNotFound)
	}
	return nil
}

// ParticipantCounts summarises participant progress.
type ParticipantCounts struct {
	Total    int `json:"total"`
	Working  int `json:"working"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
}

// CountParticipants returns participant totals by status.
func (t *Tx) CountParticipants(ctx context.Context) (ParticipantCounts, error) {
	var c ParticipantCounts
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN complete = 0 AND failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN complete = 1 AND failed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END), 0)
		 FROM participants`,
	).Scan(&c.Total, &c.Working, &c.Complete, &c.Failed)
	if err != nil {
		return c, fmt.Errorf("count participants: %w", err)
	}
	return c, nil
}

// ListParticipants returns participants ordered by id.
func (t *Tx) ListParticipants(ctx context.Context, limit int) ([]*domain.Participant, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+participantColumns+` FROM participants ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeParticipantState(p *domain.Participant) (string, error) {
	s, err := encodeJSON(participantState{
		FailureTags:  p.FailureTags,
		Answer:       p.Answer,
		BranchLog:    p.BranchLog,
		Vars:         p.Vars,
		ModuleStates: p.ModuleStates,
		TimeCredit:   p.TimeCredit,
	})
	if err != nil {
		return "", fmt.Errorf("encode participant state: %w", err)
	}
	return s, nil
}

func scanParticipant(s scanner) (*domain.Participant, error) {
	var p domain.Participant
	var state string
	var created, updated int64
	err := s.Scan(&p.ID, &p.WorkerID, &p.EltID, &p.PageUUID, &p.Complete, &p.Failed, &p.FailedReason,
		&p.PerformanceReward, &p.BasePayment, &p.LastResponseID, &state, &created, &updated)
	if err != nil {
		return nil, err
	}
	var st participantState
	if err := gojson.Unmarshal([]byte(state), &st); err != nil {
		return nil, fmt.Errorf("decode participant %d state: %w", p.ID, err)
	}
	p.FailureTags = st.FailureTags
	p.Answer = st.Answer
	p.BranchLog = st.BranchLog
	p.Vars = st.Vars
	if p.Vars == nil {
		p.Vars = domain.Vars{}
	}
	p.ModuleStates = st.ModuleStates
	if p.ModuleStates == nil {
		p.ModuleStates = map[string]*domain.ModuleState{}
	}
	p.TimeCredit = st.TimeCredit
	p.CreatedAt = fromMilli(created)
	p.UpdatedAt = fromMilli(updated)
	return &p, nil
}
