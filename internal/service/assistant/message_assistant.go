package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rolechat/internal/models"
)

// AppendMessage stores one immutable message and returns it with id and timestamp set.
func (s *Service) AppendMessage(ctx context.Context, threadID, role string, sender models.Sender, body string) (*models.Message, error) {
	threadID = strings.TrimSpace(threadID)
	role = strings.TrimSpace(role)
	if threadID == "" || role == "" {
		return nil, errors.New("thread_id and role are required")
	}
	if !sender.Valid() {
		return nil, fmt.Errorf("invalid sender %q", sender)
	}
	now := s.now()
	id, err := s.dialect.InsertID(ctx, s.db,
		`INSERT INTO messages (thread_id, role_type, sender, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, role, string(sender), body, now,
	)
	if err != nil {
		return nil, storageErr("insert message", err)
	}
	return &models.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      role,
		Sender:    sender,
		Body:      body,
		CreatedAt: now,
	}, nil
}

// ListOrdered returns the messages of a (thread, role) pair oldest first.
func (s *Service) ListOrdered(ctx context.Context, threadID, role string) ([]*models.Message, error) {
	return s.listOrdered(ctx, s.db, threadID, role)
}

func (s *Service) listOrdered(ctx context.Context, q queryer, threadID, role string) ([]*models.Message, error) {
	rows, err := q.QueryContext(ctx, s.q(
		`SELECT id, thread_id, role_type, sender, message, created_at FROM messages
		WHERE thread_id = ? AND role_type = ? ORDER BY created_at ASC, id ASC`),
		threadID, role,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// LatestSystemEvent returns the newest system message for role, or nil when there is none.
func (s *Service) LatestSystemEvent(ctx context.Context, role string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, thread_id, role_type, sender, message, created_at FROM messages
		WHERE role_type = ? AND sender = ? ORDER BY created_at DESC, id DESC LIMIT 1`),
		role, string(models.SenderSystem),
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*models.Message, error) {
	m := new(models.Message)
	var sender string
	if err := sc.Scan(&m.ID, &m.ThreadID, &m.Role, &sender, &m.Body, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageErr("scan message", err)
	}
	m.Sender = models.Sender(sender)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}
