package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
)

var (
	ErrEmptyPlanID        = errors.New("audit: plan_id must not be empty")
	ErrInvalidTimeRange   = errors.New("audit: start_time must be before end_time")
	ErrStoreNotConfigured = errors.New("audit: no chain store configured")
)

// ExportRequest selects one plan's actions, optionally within [StartTime, EndTime].
type ExportRequest struct {
	PlanID    string    `json:"plan_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

func (r ExportRequest) selects(a causalchain.Action) bool {
	switch {
	case a.PlanID != r.PlanID:
		return false
	case !r.StartTime.IsZero() && a.Timestamp.Before(r.StartTime):
		return false
	case !r.EndTime.IsZero() && a.Timestamp.After(r.EndTime):
		return false
	}
	return true
}

// PackManifest is written to manifest.json. Files maps every other entry in
// the pack to its sha256.
type PackManifest struct {
	PlanID      string            `json:"plan_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	From        time.Time         `json:"from,omitzero"`
	Until       time.Time         `json:"until,omitzero"`
	Events      int               `json:"event_count"`
	ChainHead   string            `json:"chain_head"`
	ChainLength int               `json:"chain_length"`
	Signed      bool              `json:"signed"`
	Files       map[string]string `json:"files"`
}

// Pack is a zipped evidence bundle.
type Pack struct {
	Data     []byte
	SHA256   string
	Manifest PackManifest
}

// Exporter builds evidence packs from a persisted causal chain.
type Exporter struct {
	loader causalchain.Loader
	signer causalchain.Signer
	clock  func() time.Time
}

func NewExporter(l causalchain.Loader, signer causalchain.Signer) *Exporter {
	return &Exporter{loader: l, signer: signer, clock: time.Now}
}

// WithClock overrides clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// GeneratePack verifies the whole chain and zips the requested actions as
// audit events. Nothing is produced from a chain that fails verification.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*Pack, error) {
	switch {
	case req.PlanID == "":
		return nil, ErrEmptyPlanID
	case !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime):
		return nil, ErrInvalidTimeRange
	case e.loader == nil:
		return nil, ErrStoreNotConfigured
	}

	chain, err := e.loader.AllActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain: %w", err)
	}
	if err := causalchain.VerifyActions(chain, e.signer); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	manifest := PackManifest{
		PlanID:      req.PlanID,
		GeneratedAt: e.clock().UTC(),
		From:        req.StartTime,
		Until:       req.EndTime,
		ChainHead:   causalchain.GenesisHash,
		ChainLength: len(chain),
		Signed:      e.signer != nil,
		Files:       map[string]string{},
	}
	events := []Event{}
	for _, a := range chain {
		manifest.ChainHead = a.ChainHash
		if req.selects(a) {
			events = append(events, EventFromAction(a))
		}
	}
	manifest.Events = len(events)

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: events: %w", err)
	}
	readme := fmt.Sprintf("Evidence pack for plan %s\nGenerated at %s from a chain of %d actions ending at %s\n",
		req.PlanID, manifest.GeneratedAt.Format(time.RFC3339), manifest.ChainLength, manifest.ChainHead)

	manifest.Files["events.json"] = sha256Hex(eventsJSON)
	manifest.Files["README.txt"] = sha256Hex([]byte(readme))

	// Entry order and timestamps are fixed so identical inputs give identical bytes.
	pw := newPackWriter(manifest.GeneratedAt)
	pw.add("events.json", eventsJSON)
	pw.add("README.txt", []byte(readme))
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: manifest: %w", err)
	}
	pw.add("manifest.json", manifestJSON)

	data, err := pw.close()
	if err != nil {
		return nil, fmt.Errorf("audit: zip: %w", err)
	}
	return &Pack{Data: data, SHA256: sha256Hex(data), Manifest: manifest}, nil
}

// packWriter stamps every entry with the same modification time and keeps
// the first write error.
type packWriter struct {
	buf      bytes.Buffer
	zw       *zip.Writer
	modified time.Time
	err      error
}

func newPackWriter(modified time.Time) *packWriter {
	pw := &packWriter{modified: modified}
	pw.zw = zip.NewWriter(&pw.buf)
	return pw
}

func (p *packWriter) add(name string, data []byte) {
	if p.err != nil {
		return
	}
	w, err := p.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: p.modified})
	if err != nil {
		p.err = err
		return
	}
	_, p.err = w.Write(data)
}

func (p *packWriter) close() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	if err := p.zw.Close(); err != nil {
		return nil, err
	}
	return p.buf.Bytes(), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
