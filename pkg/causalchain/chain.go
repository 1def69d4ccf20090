package causalchain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/ccos/core/pkg/canonicalize"
	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// GenesisHash is the chain head before the first append.
const GenesisHash = "genesis"

// ErrChainBroken is returned by Verify when recomputed hashes disagree.
var ErrChainBroken = errors.New("causal chain integrity violation")

// Store persists actions durably. Implementations must preserve append order.
type Store interface {
	AppendAction(ctx context.Context, a *Action) error
	ActionsForPlan(ctx context.Context, planID string) ([]Action, error)
}

// Sink observes every appended action. Sinks run under the chain lock and
// must not call back into the chain.
type Sink interface {
	OnAction(ctx context.Context, a Action) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Action) error

func (f SinkFunc) OnAction(ctx context.Context, a Action) error { return f(ctx, a) }

// Chain is the in-memory causal chain with optional durable store, signer and sinks.
// Readers and writers share one mutex.
type Chain struct {
	mu sync.Mutex

	actions      []*Action
	byID         map[string]int
	byPlan       map[string][]int
	byIntent     map[string][]int
	byCapability map[string][]int
	children     map[string][]int
	head         string

	store  Store
	signer Signer
	sinks  []Sink

	degraded       bool
	degradedReason string

	clock  func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates an empty chain.
func New() *Chain {
	return &Chain{
		byID:         make(map[string]int),
		byPlan:       make(map[string][]int),
		byIntent:     make(map[string][]int),
		byCapability: make(map[string][]int),
		children:     make(map[string][]int),
		head:         GenesisHash,
		clock:        time.Now,
		newID:        func() string { return uuid.New().String() },
		logger:       slog.Default().With("component", "causalchain"),
	}
}

// WithClock overrides clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithIDGenerator overrides action id generation for testing.
func (c *Chain) WithIDGenerator(gen func() string) *Chain {
	c.newID = gen
	return c
}

// WithStore attaches a durable store.
func (c *Chain) WithStore(s Store) *Chain {
	c.store = s
	return c
}

// WithSigner enables per-action signatures.
func (c *Chain) WithSigner(s Signer) *Chain {
	c.signer = s
	return c
}

// WithLogger overrides the slog logger.
func (c *Chain) WithLogger(l *slog.Logger) *Chain {
	c.logger = l.With("component", "causalchain")
	return c
}

// AddSink registers an observer for new actions.
func (c *Chain) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
}

// Append validates, hashes, signs, persists and indexes a new action.
// The returned copy carries the assigned id, sequence and hashes.
//
// A failing durable store or an unencodable payload does not fail the append:
// the chain enters ungoverned mode, which is logged and reported by Degraded.
func (c *Chain) Append(ctx context.Context, a Action) (Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Type == "" {
		return Action{}, errorir.InvalidArgument("action type is required")
	}
	a = a.clone()
	if a.ID == "" {
		a.ID = c.newID()
	}
	if _, dup := c.byID[a.ID]; dup {
		return Action{}, errorir.Conflict("action id %s already recorded", a.ID)
	}
	if a.ParentActionID != "" {
		if _, ok := c.byID[a.ParentActionID]; !ok {
			return Action{}, errorir.NotFound("parent action %s not in chain", a.ParentActionID)
		}
	}

	a.Sequence = uint64(len(c.actions)) + 1
	if a.Timestamp.IsZero() {
		a.Timestamp = c.clock().UTC()
	}
	if c.degraded {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, 1)
		}
		a.Metadata["ungoverned"] = true
	}

	actionHash, err := canonicalize.Digest(a.hashView())
	if err != nil {
		// Record the action without the payload that could not be encoded.
		c.degrade(ctx, fmt.Errorf("hash action %s: %w", a.ID, err))
		a.redact(err)
		if actionHash, err = canonicalize.Digest(a.hashView()); err != nil {
			return Action{}, fmt.Errorf("failed to hash action: %w", err)
		}
	}
	a.ActionHash = actionHash
	a.ChainHash = chainHash(c.head, actionHash)

	if c.signer != nil {
		sig, err := c.signer.Sign([]byte(a.ActionHash))
		if err != nil {
			return Action{}, fmt.Errorf("failed to sign action: %w", err)
		}
		a.Signature = base64.StdEncoding.EncodeToString(sig)
	}

	if c.store != nil {
		if err := c.store.AppendAction(ctx, &a); err != nil {
			c.degrade(ctx, err)
		}
	}

	stored := a
	c.index(&stored)

	out := stored.clone()
	for _, s := range c.sinks {
		if err := s.OnAction(ctx, stored.clone()); err != nil {
			c.logger.WarnContext(ctx, "causal chain sink failed", "action_id", a.ID, "error", err)
		}
	}
	return out, nil
}

func (c *Chain) index(a *Action) {
	idx := len(c.actions)
	c.actions = append(c.actions, a)
	c.head = a.ChainHash
	c.byID[a.ID] = idx
	if a.PlanID != "" {
		c.byPlan[a.PlanID] = append(c.byPlan[a.PlanID], idx)
	}
	if a.IntentID != "" {
		c.byIntent[a.IntentID] = append(c.byIntent[a.IntentID], idx)
	}
	if a.FunctionName != "" && (a.Type == ActionCapabilityCall || a.Type == ActionCapabilityResult) {
		c.byCapability[a.FunctionName] = append(c.byCapability[a.FunctionName], idx)
	}
	if a.ParentActionID != "" {
		c.children[a.ParentActionID] = append(c.children[a.ParentActionID], idx)
	}
}

func (c *Chain) degrade(ctx context.Context, err error) {
	if !c.degraded {
		c.logger.ErrorContext(ctx, "causal chain recording failed; continuing in ungoverned mode", "error", err)
	} else {
		c.logger.DebugContext(ctx, "causal chain recording still failing", "error", err)
	}
	c.degraded = true
	c.degradedReason = err.Error()
}

// MarkDegraded puts the chain into ungoverned mode after a caller failed to
// record an action. The caller carries on with the operation it was logging.
func (c *Chain) MarkDegraded(ctx context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degrade(ctx, err)
}

// Degraded reports whether recording has failed since the chain was created.
func (c *Chain) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// DegradedReason returns the last persistence error, if any.
func (c *Chain) DegradedReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradedReason
}

// Head returns the current chain hash.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Len returns the number of actions.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// Verify recomputes every action hash, the hash chain and, when a signer is
// configured, every signature.
func (c *Chain) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return verifyActions(c.actions, c.signer)
}

// VerifyActions checks a sequence loaded from a durable store.
func VerifyActions(actions []Action, signer Signer) error {
	ptrs := make([]*Action, len(actions))
	for i := range actions {
		ptrs[i] = &actions[i]
	}
	return verifyActions(ptrs, signer)
}

func verifyActions(actions []*Action, signer Signer) error {
	prev := GenesisHash
	for i, a := range actions {
		computed, err := canonicalize.Digest(a.hashView())
		if err != nil {
			return fmt.Errorf("%w: action %d hash computation failed: %w", ErrChainBroken, i+1, err)
		}
		if computed != a.ActionHash {
			return fmt.Errorf("%w: action %d hash mismatch (computed %s, stored %s)", ErrChainBroken, i+1, computed, a.ActionHash)
		}
		if expected := chainHash(prev, computed); expected != a.ChainHash {
			return fmt.Errorf("%w: action %d chain hash mismatch", ErrChainBroken, i+1)
		}
		if signer != nil && a.Signature != "" {
			sig, err := base64.StdEncoding.DecodeString(a.Signature)
			if err != nil || !signer.Verify([]byte(a.ActionHash), sig) {
				return fmt.Errorf("%w: action %d signature invalid", ErrChainBroken, i+1)
			}
		}
		prev = a.ChainHash
	}
	return nil
}

func chainHash(prev, actionHash string) string {
	h := sha256.Sum256([]byte(prev + actionHash))
	return "sha256:" + hex.EncodeToString(h[:])
}
