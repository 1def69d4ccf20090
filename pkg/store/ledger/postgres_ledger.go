package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS causal_chain (
	id BIGSERIAL PRIMARY KEY,
	action_id TEXT NOT NULL UNIQUE,
	sequence BIGINT NOT NULL,
	action_type TEXT NOT NULL,
	plan_id TEXT,
	intent_id TEXT,
	session_id TEXT,
	parent_action_id TEXT,
	function_name TEXT,
	arguments TEXT,
	result TEXT,
	metadata TEXT,
	timestamp_ns BIGINT NOT NULL,
	action_hash TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_causal_chain_plan ON causal_chain(plan_id);
CREATE INDEX IF NOT EXISTS idx_causal_chain_intent ON causal_chain(intent_id);
`

// NewPostgresLedger wraps an open Postgres handle.
func NewPostgresLedger(db *sql.DB) *SQLLedger {
	return NewSQLLedger(db, DialectPostgres)
}

// OpenPostgres connects with lib/pq and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	l := NewPostgresLedger(db)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return l, nil
}
