// Package ledger persists causal chain actions durably.
package ledger

import (
	"context"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

// Ledger is the durable store behind a causal chain.
type Ledger interface {
	causalchain.Store
	causalchain.Loader

	// Get retrieves an action by id.
	Get(ctx context.Context, actionID string) (causalchain.Action, error)

	// Close releases the underlying handle.
	Close() error
}
