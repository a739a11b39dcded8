package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/trialflow/trialflow/internal/domain"
)

// InsertResponse stores a page response and sets r.ID.
func (t *Tx) InsertResponse(ctx context.Context, r *domain.Response) error {
	meta, err := encodeJSON(r.Metadata)
	if err != nil {
		return fmt.Errorf("encode response metadata: %w", err)
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO responses (participant_id, page_uuid, label, page_type, answer, metadata,
			successful_validation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ParticipantID, r.PageUUID, r.Label, r.PageType, nullRaw(r.Answer), meta,
		r.SuccessfulValidation, unixMilli(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ListResponses returns a participant's responses in submission order.
func (t *Tx) ListResponses(ctx context.Context, participantID int64) ([]*domain.Response, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT id, participant_id, page_uuid, label, page_type, answer, metadata,
			successful_validation, created_at
		 FROM responses WHERE participant_id = ? ORDER BY id`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	defer rows.Close()

	var out []*domain.Response
	for rows.Next() {
		var r domain.Response
		var answer sql.NullString
		var meta string
		var created int64
		if err := rows.Scan(&r.ID, &r.ParticipantID, &r.PageUUID, &r.Label, &r.PageType, &answer,
			&meta, &r.SuccessfulValidation, &created); err != nil {
			return nil, err
		}
		if answer.Valid {
			r.Answer = []byte(answer.String)
		}
		if r.Metadata, err = decodeMap(meta); err != nil {
			return nil, fmt.Errorf("decode response %d metadata: %w", r.ID, err)
		}
		r.CreatedAt = fromMilli(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}
