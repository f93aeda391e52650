package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"perimeter/pkg/structlog"
	"perimeter/pkg/typing"
)

// SpooledBatch is a batch waiting to be replayed.
type SpooledBatch struct {
	ID        string
	Batch     typing.Batch
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Spool persists undelivered batches in a local sqlite file.
type Spool struct {
	db *sql.DB
}

// OpenSpool opens or creates the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := createSpoolTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Spool{db: db}, nil
}

func createSpoolTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS spooled_batches(
	  id          TEXT    PRIMARY KEY,
	  user_id     TEXT    NOT NULL,
	  payload     TEXT    NOT NULL CHECK (json_valid(payload)),
	  attempts    INTEGER NOT NULL DEFAULT 0,
	  last_error  TEXT    NOT NULL DEFAULT '',
	  created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spooled_created ON spooled_batches(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create spool tables: %w", err)
	}
	return nil
}

// Put stores batch and returns its spool id.
func (s *Spool) Put(ctx context.Context, batch typing.Batch, cause error) (string, error) {
	payload, err := batch.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spooled_batches(id, user_id, payload, attempts, last_error, created_at) VALUES (?, ?, ?, 1, ?, ?)`,
		id, batch.UserID, string(payload), lastErr, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("spool batch: %w", err)
	}
	return id, nil
}

// Pending returns up to limit batches oldest first; limit <= 0 means all.
func (s *Spool) Pending(ctx context.Context, limit int) ([]SpooledBatch, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, attempts, last_error, created_at FROM spooled_batches ORDER BY created_at, rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var out []SpooledBatch
	for rows.Next() {
		var (
			sb      SpooledBatch
			payload string
			created int64
		)
		if err := rows.Scan(&sb.ID, &payload, &sb.Attempts, &sb.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan spool row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &sb.Batch); err != nil {
			return nil, fmt.Errorf("decode spooled batch %s: %w", sb.ID, err)
		}
		sb.CreatedAt = time.Unix(0, created)
		out = append(out, sb)
	}
	return out, rows.Err()
}

func (s *Spool) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spooled_batches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete spooled batch: %w", err)
	}
	return nil
}

// MarkFailed records another failed delivery attempt.
func (s *Spool) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE spooled_batches SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	if err != nil {
		return fmt.Errorf("update spooled batch: %w", err)
	}
	return nil
}

func (s *Spool) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_batches`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

func (s *Spool) Close() error { return s.db.Close() }

// SpoolingSender keeps batches that could not be delivered for Replay.
type SpoolingSender struct {
	next   Sender
	spool  *Spool
	logger *structlog.Logger
}

func NewSpoolingSender(next Sender, spool *Spool, logger *structlog.Logger) *SpoolingSender {
	if logger == nil {
		logger = structlog.Default()
	}
	return &SpoolingSender{next: next, spool: spool, logger: logger}
}

// Send delivers through the wrapped Sender. Retryable failures are spooled and
// the original error is still returned.
func (s *SpoolingSender) Send(ctx context.Context, batch typing.Batch) (*Response, error) {
	resp, err := s.next.Send(ctx, batch)
	if err == nil || !IsRetryable(err) {
		return resp, err
	}
	id, serr := s.spool.Put(context.WithoutCancel(ctx), batch, err)
	if serr != nil {
		s.logger.WithContext(ctx).Error("failed to spool batch", structlog.Fields{"error": serr})
		return resp, errors.Join(err, serr)
	}
	s.logger.WithContext(ctx).Warn("batch spooled for replay", structlog.Fields{
		"spool_id": id,
		"events":   len(batch.TypingData),
		"error":    err,
	})
	return resp, err
}

// ReplayResult summarises one Replay pass.
type ReplayResult struct {
	Sent      int
	Discarded int
	Remaining int
}

// Replay resends spooled batches oldest first. It stops at the first
// retryable failure; batches rejected outright are discarded.
func (s *SpoolingSender) Replay(ctx context.Context) (ReplayResult, error) {
	var res ReplayResult
	pending, err := s.spool.Pending(ctx, 0)
	if err != nil {
		return res, err
	}
	log := s.logger.WithContext(ctx)

	for i, sb := range pending {
		_, err := s.next.Send(ctx, sb.Batch)
		switch {
		case err == nil:
			if derr := s.spool.Delete(ctx, sb.ID); derr != nil {
				return res, derr
			}
			res.Sent++
		case !IsRetryable(err):
			log.Warn("discarding rejected spooled batch", structlog.Fields{"spool_id": sb.ID, "error": err})
			if derr := s.spool.Delete(ctx, sb.ID); derr != nil {
				return res, derr
			}
			res.Discarded++
		default:
			if merr := s.spool.MarkFailed(ctx, sb.ID, err); merr != nil {
				log.Error("failed to update spooled batch", structlog.Fields{"spool_id": sb.ID, "error": merr})
			}
			res.Remaining = len(pending) - i
			return res, err
		}
	}
	return res, nil
}
