package assistant

import (
	"context"
	"database/sql"
	"errors"

	"rolechat/internal/models"
)

// UpsertAnalysis replaces the analysis of (thread, role).
func (s *Service) UpsertAnalysis(ctx context.Context, threadID, role, body string) (*models.Analysis, error) {
	var out *models.Analysis
	err := s.inTx(ctx, "analysis", func(tx *sql.Tx) error {
		now := s.now()
		var id int64
		err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM transcript_analysis WHERE thread_id = ? AND role_type = ?`),
			threadID, role).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			id, err = s.dialect.InsertID(ctx, tx,
				`INSERT INTO transcript_analysis (thread_id, role_type, analysis, created_at) VALUES (?, ?, ?, ?)`,
				threadID, role, body, now,
			)
			if err != nil {
				return storageErr("insert analysis", err)
			}
		case err != nil:
			return storageErr("lookup analysis", err)
		default:
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE transcript_analysis SET analysis = ?, created_at = ? WHERE id = ?`),
				body, now, id); err != nil {
				return storageErr("update analysis", err)
			}
		}
		out = &models.Analysis{ID: id, ThreadID: threadID, Role: role, Body: body, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAnalysis returns sql.ErrNoRows when no analysis exists.
func (s *Service) GetAnalysis(ctx context.Context, threadID, role string) (*models.Analysis, error) {
	a := new(models.Analysis)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, thread_id, role_type, analysis, created_at FROM transcript_analysis
		WHERE thread_id = ? AND role_type = ?`),
		threadID, role,
	).Scan(&a.ID, &a.ThreadID, &a.Role, &a.Body, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("get analysis", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// RecordIndexedDocument remembers which remote document currently holds key.
func (s *Service) RecordIndexedDocument(ctx context.Context, doc models.IndexedDocument) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = s.now()
	}
	return s.inTx(ctx, "indexed document", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM indexed_documents WHERE doc_key = ?`), doc.Key); err != nil {
			return storageErr("clear indexed document", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO indexed_documents (doc_key, index_id, doc_id, uploaded_at) VALUES (?, ?, ?, ?)`),
			doc.Key, doc.IndexID, doc.DocID, doc.UploadedAt.UTC()); err != nil {
			return storageErr("insert indexed document", err)
		}
		return nil
	})
}

// GetIndexedDocument returns sql.ErrNoRows when key was never indexed.
func (s *Service) GetIndexedDocument(ctx context.Context, key string) (*models.IndexedDocument, error) {
	d := new(models.IndexedDocument)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT doc_key, index_id, doc_id, uploaded_at FROM indexed_documents WHERE doc_key = ?`), key,
	).Scan(&d.Key, &d.IndexID, &d.DocID, &d.UploadedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("get indexed document", err)
	}
	d.UploadedAt = d.UploadedAt.UTC()
	return d, nil
}
