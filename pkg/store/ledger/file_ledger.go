package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

// FileLedger appends actions as JSON lines to a local file.
type FileLedger struct {
	path string
	mu   sync.Mutex
}

func NewFileLedger(path string) (*FileLedger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &FileLedger{path: path}, nil
}

func (f *FileLedger) AppendAction(_ context.Context, a *causalchain.Action) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode action %s: %w", a.ID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := fh.Write(append(line, '\n')); err != nil {
		_ = fh.Close()
		return err
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}

func (f *FileLedger) AllActions(_ context.Context) ([]causalchain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(nil)
}

func (f *FileLedger) ActionsForPlan(_ context.Context, planID string) ([]causalchain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(func(a *causalchain.Action) bool { return a.PlanID == planID })
}

func (f *FileLedger) Get(_ context.Context, actionID string) (causalchain.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found, err := f.read(func(a *causalchain.Action) bool { return a.ID == actionID })
	if err != nil {
		return causalchain.Action{}, err
	}
	if len(found) == 0 {
		return causalchain.Action{}, ErrNotFound
	}
	return found[0], nil
}

func (f *FileLedger) Close() error { return nil }

func (f *FileLedger) read(keep func(*causalchain.Action) bool) ([]causalchain.Action, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	result := make([]causalchain.Action, 0)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var a causalchain.Action
		dec := json.NewDecoder(bytes.NewReader(sc.Bytes()))
		dec.UseNumber()
		if err := dec.Decode(&a); err != nil {
			return nil, fmt.Errorf("corrupt ledger line %d: %w", line, err)
		}
		if keep == nil || keep(&a) {
			result = append(result, a)
		}
	}
	return result, sc.Err()
}

var _ Ledger = (*FileLedger)(nil)
