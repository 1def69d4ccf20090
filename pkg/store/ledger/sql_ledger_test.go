package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

var cols = []string{"action_id", "sequence", "action_type", "plan_id", "intent_id", "session_id", "parent_action_id", "function_name", "arguments", "result", "metadata", "timestamp_ns", "action_hash", "chain_hash", "signature"}

func TestSQLLedger_AppendAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DialectSQLite)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &causalchain.Action{
		ID:           "a1",
		Sequence:     1,
		Type:         causalchain.ActionCapabilityCall,
		PlanID:       "p1",
		FunctionName: "ccos.echo",
		Arguments:    []any{"hi"},
		Timestamp:    ts,
		ActionHash:   "sha256:aa",
		ChainHash:    "sha256:bb",
	}

	mock.ExpectExec("INSERT INTO causal_chain").
		WithArgs("a1", int64(1), "CapabilityCall", "p1", "", "", "", "ccos.echo", `["hi"]`, "", "", ts.UnixNano(), "sha256:aa", "sha256:bb", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, l.AppendAction(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewPostgresLedger(db)
	mock.ExpectQuery(`SELECT .* FROM causal_chain WHERE plan_id = \$1 ORDER BY id ASC`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("a1", 1, "PlanStarted", "p1", nil, nil, nil, "plan.start", nil, nil, `{"intent_ids":["i1"],"n":7}`, int64(1000), "sha256:aa", "sha256:bb", nil))

	actions, err := l.ActionsForPlan(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, causalchain.ActionPlanStarted, actions[0].Type)
	assert.Equal(t, []any{"i1"}, actions[0].Metadata["intent_ids"])
	assert.Equal(t, "7", actions[0].Metadata["n"].(interface{ String() string }).String())
	assert.Equal(t, int64(1000), actions[0].Timestamp.UnixNano())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(db, DialectSQLite)
	mock.ExpectQuery("SELECT .* FROM causal_chain WHERE action_id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", DialectPostgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", DialectSQLite.rebind("a = ?"))
}

// A chain persisted through SQLite can be resumed and still verifies.
func TestSQLiteRoundTripVerifies(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	c := causalchain.New().WithStore(l)
	call, err := c.LogCapabilityCall(ctx, "s", "p", "i", "ccos.echo", "", []any{map[string]any{"message": "hi", "n": 3}})
	require.NoError(t, err)
	_, err = c.RecordResult(ctx, call, causalchain.Outcome{Success: true, Value: 1.5})
	require.NoError(t, err)
	require.False(t, c.Degraded())

	all, err := l.AllActions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NoError(t, causalchain.VerifyActions(all, nil))

	resumed := causalchain.New()
	require.NoError(t, resumed.Resume(ctx, l))
	assert.Equal(t, c.Head(), resumed.Head())
}
