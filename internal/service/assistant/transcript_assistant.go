package assistant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rolechat/internal/models"
)

// UpsertTranscript rebuilds the transcript of (thread, role) from its messages.
// updated_at only moves when the rendered body changes. The bool reports a write.
func (s *Service) UpsertTranscript(ctx context.Context, threadID, role string) (*models.Transcript, bool, error) {
	var (
		out     *models.Transcript
		changed bool
	)
	err := s.inTx(ctx, "transcript", func(tx *sql.Tx) error {
		messages, err := s.listOrdered(ctx, tx, threadID, role)
		if err != nil {
			return err
		}
		body := models.RenderTranscript(messages)
		now := s.now()

		existing, err := s.getTranscript(ctx, tx, threadID, role)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err := s.dialect.InsertID(ctx, tx,
				`INSERT INTO transcripts (thread_id, role_type, transcript, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
				threadID, role, body, now, now,
			)
			if err != nil {
				return storageErr("insert transcript", err)
			}
			out = &models.Transcript{ID: id, ThreadID: threadID, Role: role, Body: body, CreatedAt: now, UpdatedAt: now}
			changed = true
			return nil
		case err != nil:
			return err
		}

		if existing.Body == body {
			out = existing
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE transcripts SET transcript = ?, updated_at = ? WHERE id = ?`),
			body, now, existing.ID); err != nil {
			return storageErr("update transcript", err)
		}
		existing.Body = body
		existing.UpdatedAt = now
		out = existing
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// FinalizeTranscript records the end of a session and rebuilds the transcript.
func (s *Service) FinalizeTranscript(ctx context.Context, threadID, role string) (*models.Transcript, error) {
	if _, err := s.AppendMessage(ctx, threadID, role, models.SenderSystem, models.SessionEnded); err != nil {
		return nil, err
	}
	t, _, err := s.UpsertTranscript(ctx, threadID, role)
	return t, err
}

// GetTranscript returns sql.ErrNoRows when nothing has been aggregated yet.
func (s *Service) GetTranscript(ctx context.Context, threadID, role string) (*models.Transcript, error) {
	return s.getTranscript(ctx, s.db, threadID, role)
}

func (s *Service) getTranscript(ctx context.Context, q queryer, threadID, role string) (*models.Transcript, error) {
	t := new(models.Transcript)
	err := q.QueryRowContext(ctx, s.q(
		`SELECT id, thread_id, role_type, transcript, created_at, updated_at FROM transcripts
		WHERE thread_id = ? AND role_type = ?`),
		threadID, role,
	).Scan(&t.ID, &t.ThreadID, &t.Role, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("get transcript", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// TranscriptsChangedSince lists transcripts created or updated after cutoff.
func (s *Service) TranscriptsChangedSince(ctx context.Context, cutoff time.Time) ([]*models.Transcript, error) {
	cutoff = cutoff.UTC()
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, thread_id, role_type, transcript, created_at, updated_at FROM transcripts
		WHERE created_at > ? OR updated_at > ? ORDER BY updated_at ASC, id ASC`),
		cutoff, cutoff,
	)
	if err != nil {
		return nil, storageErr("list transcripts", err)
	}
	defer rows.Close()

	var out []*models.Transcript
	for rows.Next() {
		t := new(models.Transcript)
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Role, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, storageErr("scan transcript", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transcripts", err)
	}
	return out, nil
}
