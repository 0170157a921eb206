package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is what repos write through: a pool, a connection or a transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// FaultRow is one disabled task.
type FaultRow struct {
	Session uuid.UUID
	Frame   uint64
	Task    string
	Message string
}

// PeerEvent is one connect or disconnect seen by the kernel.
type PeerEvent struct {
	Session   uuid.UUID
	Frame     uint64
	Slot      uint8
	Connected bool
	At        time.Time
}

type FaultRepo struct{}

func (FaultRepo) Append(ctx context.Context, q Execer, rows []FaultRow) error {
	for _, r := range rows {
		if _, err := q.Exec(ctx,
			`INSERT INTO task_faults (session, frame, task, message) VALUES ($1, $2, $3, $4)`,
			r.Session, int64(r.Frame), r.Task, r.Message,
		); err != nil {
			return fmt.Errorf("insert fault %s: %w", r.Task, err)
		}
	}
	return nil
}

type PeerLogRepo struct{}

func (PeerLogRepo) Record(ctx context.Context, q Execer, events []PeerEvent) error {
	for _, e := range events {
		if _, err := q.Exec(ctx,
			`INSERT INTO peer_log (session, frame, slot, connected, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
			e.Session, int64(e.Frame), int16(e.Slot), e.Connected, e.At,
		); err != nil {
			return fmt.Errorf("insert peer event: %w", err)
		}
	}
	return nil
}

// Sink receives everything the recorder collected since the last flush.
type Sink interface {
	Flush(ctx context.Context, faults []FaultRow, events []PeerEvent) error
}

// Store is the Postgres sink: both tables in one transaction.
type Store struct {
	db     *DB
	faults FaultRepo
	peers  PeerLogRepo
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Flush(ctx context.Context, faults []FaultRow, events []PeerEvent) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("flush begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.faults.Append(ctx, tx, faults); err != nil {
		return err
	}
	if err := s.peers.Record(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
