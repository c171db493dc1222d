package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rolechat/internal/storage"
)

// ErrStorageUnavailable wraps every failed database call.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Service persists messages, transcripts, analyses and the index ledger.
type Service struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *sql.DB, dialect storage.Dialect) *Service {
	return &Service{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source, used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

type queryer interface {
	storage.Execer
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Service) q(query string) string {
	return s.dialect.Rebind(query)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func (s *Service) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit "+op, err)
	}
	return nil
}
