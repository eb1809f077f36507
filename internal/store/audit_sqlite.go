package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"options_trader/internal/core"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	decided_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS morph_plans (
	id TEXT PRIMARY KEY,
	source_strategy_id TEXT NOT NULL,
	status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_morph_plans_status ON morph_plans(status);
CREATE TABLE IF NOT EXISTS morph_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_strategy_id TEXT NOT NULL,
	child_strategy_id TEXT NOT NULL,
	parent_type TEXT NOT NULL,
	child_type TEXT NOT NULL,
	parent_pnl_at_morph TEXT,
	reason TEXT NOT NULL DEFAULT '',
	morphed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_morph_history_child ON morph_history(child_strategy_id);
CREATE INDEX IF NOT EXISTS idx_morph_history_parent ON morph_history(parent_strategy_id);
CREATE TABLE IF NOT EXISTS fills (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id TEXT NOT NULL,
	instrument_token INTEGER NOT NULL,
	quantity INTEGER NOT NULL,
	price TEXT NOT NULL,
	filled_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS daily_pnl (
	date TEXT PRIMARY KEY,
	realised_pnl TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL,
	max_retries INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	stack_trace TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

// SQLiteAuditStore implements core.IAuditStore and core.IDeadLetterStore on
// one relational audit database.
type SQLiteAuditStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteAuditStore opens (creating if needed) the audit database.
func NewSQLiteAuditStore(path string, logger core.ILogger) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit db pragma: %w", err)
		}
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit db schema: %w", err)
	}
	return &SQLiteAuditStore{
		db:     db,
		logger: logger.WithField("component", "audit_store"),
	}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteAuditStore) Close() error { return s.db.Close() }

// SaveDecision records one decision audit row.
func (s *SQLiteAuditStore) SaveDecision(ctx context.Context, rec core.DecisionRecord) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (category, strategy_id, context, decided_at)
		VALUES (?, ?, ?, ?)`,
		rec.Category, rec.StrategyID, string(contextJSON), rec.DecidedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// SaveMorphPlan inserts a new plan row.
func (s *SQLiteAuditStore) SaveMorphPlan(ctx context.Context, entry *core.MorphPlanEntry) error {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO morph_plans (id, source_strategy_id, status, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SourceStrategyID, string(entry.Status), entry.Detail,
		entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save morph plan %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateMorphPlan rewrites the status and detail of a plan.
func (s *SQLiteAuditStore) UpdateMorphPlan(ctx context.Context, entry *core.MorphPlanEntry) error {
	entry.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE morph_plans SET status = ?, detail = ?, updated_at = ? WHERE id = ?`,
		string(entry.Status), entry.Detail, entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("update morph plan %s: %w", entry.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update morph plan %s: %w", entry.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update morph plan %s: no such plan", entry.ID)
	}
	return nil
}

// FindMorphPlansByStatus lists plans in one state, oldest first.
func (s *SQLiteAuditStore) FindMorphPlansByStatus(ctx context.Context, status core.MorphPlanStatus) ([]core.MorphPlanEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_strategy_id, status, detail, created_at, updated_at
		FROM morph_plans WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("find morph plans: %w", err)
	}
	defer rows.Close()

	var out []core.MorphPlanEntry
	for rows.Next() {
		var e core.MorphPlanEntry
		var st string
		if err := rows.Scan(&e.ID, &e.SourceStrategyID, &st, &e.Detail, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan morph plan: %w", err)
		}
		e.Status = core.MorphPlanStatus(st)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveMorphHistory appends one parent->child lineage edge.
func (s *SQLiteAuditStore) SaveMorphHistory(ctx context.Context, entry core.MorphHistoryEntry) error {
	var pnl interface{}
	if entry.ParentPnlAtMorph != nil {
		pnl = entry.ParentPnlAtMorph.String()
	}
	if entry.MorphedAt.IsZero() {
		entry.MorphedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO morph_history
			(parent_strategy_id, child_strategy_id, parent_type, child_type,
			 parent_pnl_at_morph, reason, morphed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ParentStrategyID, entry.ChildStrategyID, string(entry.ParentType),
		string(entry.ChildType), pnl, entry.Reason, entry.MorphedAt)
	if err != nil {
		return fmt.Errorf("save morph history: %w", err)
	}
	return nil
}

// FindMorphHistoryByChild returns the edge that created childID, or nil.
func (s *SQLiteAuditStore) FindMorphHistoryByChild(ctx context.Context, childID string) (*core.MorphHistoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT parent_strategy_id, child_strategy_id, parent_type, child_type,
		       parent_pnl_at_morph, reason, morphed_at
		FROM morph_history WHERE child_strategy_id = ? ORDER BY morphed_at DESC LIMIT 1`, childID)
	e, err := scanMorphHistoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find morph history by child: %w", err)
	}
	return e, nil
}

// FindMorphHistoryByParent returns every edge fanning out of parentID.
func (s *SQLiteAuditStore) FindMorphHistoryByParent(ctx context.Context, parentID string) ([]core.MorphHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_strategy_id, child_strategy_id, parent_type, child_type,
		       parent_pnl_at_morph, reason, morphed_at
		FROM morph_history WHERE parent_strategy_id = ? ORDER BY morphed_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("find morph history by parent: %w", err)
	}
	defer rows.Close()

	var out []core.MorphHistoryEntry
	for rows.Next() {
		e, err := scanMorphHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan morph history: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMorphHistoryRow(row rowScanner) (*core.MorphHistoryEntry, error) {
	var e core.MorphHistoryEntry
	var parentType, childType string
	var pnl sql.NullString
	if err := row.Scan(&e.ParentStrategyID, &e.ChildStrategyID, &parentType, &childType,
		&pnl, &e.Reason, &e.MorphedAt); err != nil {
		return nil, err
	}
	e.ParentType = core.StrategyType(parentType)
	e.ChildType = core.StrategyType(childType)
	if pnl.Valid {
		d, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return nil, fmt.Errorf("parse morph pnl: %w", err)
		}
		e.ParentPnlAtMorph = &d
	}
	return &e, nil
}

// SaveFill records one fill audit row.
func (s *SQLiteAuditStore) SaveFill(ctx context.Context, fill core.OrderFill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, instrument_token, quantity, price, filled_at)
		VALUES (?, ?, ?, ?, ?)`,
		fill.OrderID, fill.InstrumentToken, fill.Quantity, fill.Price.String(), fill.FilledAt)
	if err != nil {
		return fmt.Errorf("save fill: %w", err)
	}
	return nil
}

// SaveFills writes a batch of fill rows in one transaction. Either every
// row lands or none does.
func (s *SQLiteAuditStore) SaveFills(ctx context.Context, fills []core.OrderFill) error {
	if len(fills) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save fills: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO fills (order_id, instrument_token, quantity, price, filled_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save fills: %w", err)
	}
	defer stmt.Close()
	for _, fill := range fills {
		if _, err := stmt.ExecContext(ctx,
			fill.OrderID, fill.InstrumentToken, fill.Quantity, fill.Price.String(), fill.FilledAt); err != nil {
			return fmt.Errorf("save fills: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save fills: %w", err)
	}
	return nil
}

// SaveDecisions writes a batch of decision rows in one transaction.
func (s *SQLiteAuditStore) SaveDecisions(ctx context.Context, recs []core.DecisionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save decisions: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decisions (category, strategy_id, context, decided_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save decisions: %w", err)
	}
	defer stmt.Close()
	for _, rec := range recs {
		contextJSON, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("save decisions: %w", err)
		}
		if rec.DecidedAt.IsZero() {
			rec.DecidedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Category, rec.StrategyID, string(contextJSON), rec.DecidedAt); err != nil {
			return fmt.Errorf("save decisions: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save decisions: %w", err)
	}
	return nil
}

// SaveDailyPnl upserts the realised P&L snapshot for one trading day.
func (s *SQLiteAuditStore) SaveDailyPnl(ctx context.Context, snapshot core.DailyPnlSnapshot) error {
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (date, realised_pnl, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET realised_pnl = excluded.realised_pnl,
		                                recorded_at = excluded.recorded_at`,
		snapshot.Date, snapshot.RealisedPnl.String(), snapshot.RecordedAt)
	if err != nil {
		return fmt.Errorf("save daily pnl: %w", err)
	}
	return nil
}

// Save writes one dead-letter row; implements core.IDeadLetterStore.
func (s *SQLiteAuditStore) Save(ctx context.Context, entry core.DeadLetterEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(event_type, payload, status, retry_count, max_retries, error, stack_trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventType, entry.Payload, entry.Status, entry.RetryCount,
		entry.MaxRetries, entry.Error, entry.StackTrace, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}
