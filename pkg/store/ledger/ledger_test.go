package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

func TestFileLedgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	l, err := NewFileLedger(path)
	require.NoError(t, err)
	c := causalchain.New().WithStore(l)
	_, err = c.LogIntentCreated(ctx, "p", "i1", "goal", "user")
	require.NoError(t, err)
	_, err = c.LogIntentStatusChange(ctx, "p", "i1", "Active", "Executing", "start", "", nil)
	require.NoError(t, err)

	reopened, err := NewFileLedger(path)
	require.NoError(t, err)
	all, err := reopened.AllActions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NoError(t, causalchain.VerifyActions(all, nil))

	got, err := reopened.Get(ctx, all[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Executing", got.Metadata["new_status"])

	_, err = reopened.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}
