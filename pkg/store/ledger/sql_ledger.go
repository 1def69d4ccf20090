package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

const columns = `action_id, sequence, action_type, plan_id, intent_id, session_id, parent_action_id, function_name, arguments, result, metadata, timestamp_ns, action_hash, chain_hash, signature`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS causal_chain (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action_id TEXT NOT NULL UNIQUE,
	sequence INTEGER NOT NULL,
	action_type TEXT NOT NULL,
	plan_id TEXT,
	intent_id TEXT,
	session_id TEXT,
	parent_action_id TEXT,
	function_name TEXT,
	arguments TEXT,
	result TEXT,
	metadata TEXT,
	timestamp_ns INTEGER NOT NULL,
	action_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_causal_chain_plan ON causal_chain(plan_id);
CREATE INDEX IF NOT EXISTS idx_causal_chain_intent ON causal_chain(intent_id);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = pgSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLLedger) AppendAction(ctx context.Context, a *causalchain.Action) error {
	r, err := encodeRow(a)
	if err != nil {
		return fmt.Errorf("failed to encode action %s: %w", a.ID, err)
	}
	query := s.dialect.rebind(`INSERT INTO causal_chain (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, r.args()...); err != nil {
		return fmt.Errorf("failed to insert action %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLLedger) Get(ctx context.Context, actionID string) (causalchain.Action, error) {
	query := s.dialect.rebind(`SELECT ` + columns + ` FROM causal_chain WHERE action_id = ?`)
	r, err := scanRow(s.db.QueryRowContext(ctx, query, actionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return causalchain.Action{}, ErrNotFound
		}
		return causalchain.Action{}, err
	}
	return r.decode()
}

func (s *SQLLedger) ActionsForPlan(ctx context.Context, planID string) ([]causalchain.Action, error) {
	return s.list(ctx, s.dialect.rebind(`SELECT `+columns+` FROM causal_chain WHERE plan_id = ? ORDER BY id ASC`), planID)
}

func (s *SQLLedger) AllActions(ctx context.Context) ([]causalchain.Action, error) {
	return s.list(ctx, `SELECT `+columns+` FROM causal_chain ORDER BY id ASC`)
}

func (s *SQLLedger) Close() error {
	return s.db.Close()
}

func (s *SQLLedger) list(ctx context.Context, query string, args ...any) ([]causalchain.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]causalchain.Action, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		a, err := r.decode()
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (row, error) {
	var r row
	var planID, intentID, sessionID, parentID, fn, args, result, meta, sig sql.NullString
	err := sc.Scan(&r.ActionID, &r.Sequence, &r.ActionType, &planID, &intentID, &sessionID,
		&parentID, &fn, &args, &result, &meta, &r.TimestampNs, &r.ActionHash, &r.ChainHash, &sig)
	if err != nil {
		return row{}, err
	}
	r.PlanID = planID.String
	r.IntentID = intentID.String
	r.SessionID = sessionID.String
	r.ParentActionID = parentID.String
	r.FunctionName = fn.String
	r.Arguments = args.String
	r.Result = result.String
	r.Metadata = meta.String
	r.Signature = sig.String
	return r, nil
}

var _ Ledger = (*SQLLedger)(nil)
