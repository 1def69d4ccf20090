package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

// ErrNotFound is returned when a ledger entry is not found.
var ErrNotFound = errors.New("not found")

// Dialect selects placeholder syntax and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// row is the column encoding of an action.
type row struct {
	ActionID       string
	Sequence       int64
	ActionType     string
	PlanID         string
	IntentID       string
	SessionID      string
	ParentActionID string
	FunctionName   string
	Arguments      string
	Result         string
	Metadata       string
	TimestampNs    int64
	ActionHash     string
	ChainHash      string
	Signature      string
}

func encodeRow(a *causalchain.Action) (row, error) {
	args, err := encodeJSON(a.Arguments)
	if err != nil {
		return row{}, fmt.Errorf("arguments: %w", err)
	}
	result, err := encodeJSON(a.Result)
	if err != nil {
		return row{}, fmt.Errorf("result: %w", err)
	}
	meta, err := encodeJSON(a.Metadata)
	if err != nil {
		return row{}, fmt.Errorf("metadata: %w", err)
	}
	return row{
		ActionID:       a.ID,
		Sequence:       int64(a.Sequence),
		ActionType:     string(a.Type),
		PlanID:         a.PlanID,
		IntentID:       a.IntentID,
		SessionID:      a.SessionID,
		ParentActionID: a.ParentActionID,
		FunctionName:   a.FunctionName,
		Arguments:      args,
		Result:         result,
		Metadata:       meta,
		TimestampNs:    a.Timestamp.UnixNano(),
		ActionHash:     a.ActionHash,
		ChainHash:      a.ChainHash,
		Signature:      a.Signature,
	}, nil
}

func (r row) args() []any {
	return []any{
		r.ActionID, r.Sequence, r.ActionType, r.PlanID, r.IntentID, r.SessionID,
		r.ParentActionID, r.FunctionName, r.Arguments, r.Result, r.Metadata,
		r.TimestampNs, r.ActionHash, r.ChainHash, r.Signature,
	}
}

func (r row) decode() (causalchain.Action, error) {
	a := causalchain.Action{
		ID:             r.ActionID,
		Sequence:       uint64(r.Sequence),
		Type:           causalchain.ActionType(r.ActionType),
		PlanID:         r.PlanID,
		IntentID:       r.IntentID,
		SessionID:      r.SessionID,
		ParentActionID: r.ParentActionID,
		FunctionName:   r.FunctionName,
		Timestamp:      time.Unix(0, r.TimestampNs).UTC(),
		ActionHash:     r.ActionHash,
		ChainHash:      r.ChainHash,
		Signature:      r.Signature,
	}
	if err := decodeJSON(r.Arguments, &a.Arguments); err != nil {
		return a, fmt.Errorf("corrupt arguments for %s: %w", r.ActionID, err)
	}
	if err := decodeJSON(r.Result, &a.Result); err != nil {
		return a, fmt.Errorf("corrupt result for %s: %w", r.ActionID, err)
	}
	if err := decodeJSON(r.Metadata, &a.Metadata); err != nil {
		return a, fmt.Errorf("corrupt metadata for %s: %w", r.ActionID, err)
	}
	return a, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}

// decodeJSON keeps numbers as json.Number so reloaded actions hash identically.
func decodeJSON(s string, out any) error {
	if s == "" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(out)
}
