// Package store provides the persistence implementations behind the journal,
// KV, time-series, audit, and dead-letter interfaces, plus the write-behind
// queue in front of them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"options_trader/internal/core"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS execution_journal (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy_id TEXT NOT NULL,
	group_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	leg_index INTEGER NOT NULL,
	total_legs INTEGER NOT NULL,
	instrument_token INTEGER NOT NULL,
	trading_symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_group ON execution_journal(group_id);
CREATE INDEX IF NOT EXISTS idx_journal_status ON execution_journal(status);
`

// SQLiteJournalStore implements core.IJournalStore on a local sqlite file.
// WAL journaling plus synchronous=FULL makes every Save durable before it
// returns, which the write-ahead protocol depends on.
type SQLiteJournalStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteJournalStore opens (creating if needed) the journal database.
func NewSQLiteJournalStore(path string, logger core.ILogger) (*SQLiteJournalStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal db pragma: %w", err)
		}
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal db schema: %w", err)
	}
	return &SQLiteJournalStore{
		db:     db,
		logger: logger.WithField("component", "journal_store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteJournalStore) Close() error { return s.db.Close() }

// Save inserts a new journal entry and fills in its assigned ID.
func (s *SQLiteJournalStore) Save(ctx context.Context, entry *core.ExecutionJournalEntry) error {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_journal
			(strategy_id, group_id, operation, leg_index, total_legs,
			 instrument_token, trading_symbol, side, quantity, status,
			 failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.StrategyID, entry.GroupID, entry.Operation, entry.LegIndex, entry.TotalLegs,
		entry.InstrumentToken, entry.TradingSymbol, string(entry.Side), entry.Quantity,
		string(entry.Status), entry.FailureReason, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("save journal entry: %w", err)
	}
	entry.ID = id
	return nil
}

// Update rewrites the mutable fields of an existing entry.
func (s *SQLiteJournalStore) Update(ctx context.Context, entry *core.ExecutionJournalEntry) error {
	entry.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_journal
		SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(entry.Status), entry.FailureReason, entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("update journal entry %d: %w", entry.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update journal entry %d: %w", entry.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update journal entry %d: no such entry", entry.ID)
	}
	return nil
}

// FindByStatus returns every entry in the given state, oldest first.
func (s *SQLiteJournalStore) FindByStatus(ctx context.Context, status core.JournalStatus) ([]core.ExecutionJournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, group_id, operation, leg_index, total_legs,
		       instrument_token, trading_symbol, side, quantity, status,
		       failure_reason, created_at, updated_at
		FROM execution_journal WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find journal by status: %w", err)
	}
	defer rows.Close()
	return scanJournalRows(rows)
}

// FindByGroupID returns every leg of one execution group in leg order.
func (s *SQLiteJournalStore) FindByGroupID(ctx context.Context, groupID string) ([]core.ExecutionJournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, group_id, operation, leg_index, total_legs,
		       instrument_token, trading_symbol, side, quantity, status,
		       failure_reason, created_at, updated_at
		FROM execution_journal WHERE group_id = ? ORDER BY leg_index`, groupID)
	if err != nil {
		return nil, fmt.Errorf("find journal by group: %w", err)
	}
	defer rows.Close()
	return scanJournalRows(rows)
}

func scanJournalRows(rows *sql.Rows) ([]core.ExecutionJournalEntry, error) {
	var out []core.ExecutionJournalEntry
	for rows.Next() {
		var e core.ExecutionJournalEntry
		var side, status string
		if err := rows.Scan(&e.ID, &e.StrategyID, &e.GroupID, &e.Operation, &e.LegIndex,
			&e.TotalLegs, &e.InstrumentToken, &e.TradingSymbol, &side, &e.Quantity,
			&status, &e.FailureReason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Side = core.Side(side)
		e.Status = core.JournalStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
