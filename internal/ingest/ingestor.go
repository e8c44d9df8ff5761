package ingest

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/clawback/mirror/internal/congress"
	"github.com/clawback/mirror/internal/observ"
)

//go:embed alert.schema.json
var alertSchemaJSON string

// RawAlert is an undecoded alert record together with its id.
type RawAlert struct {
	ID   string
	Path string
	Data []byte
}

// Source lists every alert record currently available.
type Source interface {
	List(ctx context.Context) ([]RawAlert, error)
}

// DirSource reads alert_*.json files written by the disclosure scraper.
// The id of each alert is its file name without extension.
type DirSource struct {
	Dir string
}

func (d DirSource) List(ctx context.Context) ([]RawAlert, error) {
	matches, err := filepath.Glob(filepath.Join(d.Dir, "alert_*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]RawAlert, 0, len(matches))
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			observ.Warn("alert_read_failed", map[string]any{"path": path, "error": err.Error()})
			continue
		}
		out = append(out, RawAlert{
			ID:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Path: path,
			Data: b,
		})
	}
	return out, nil
}

type alertRecord struct {
	Type  string         `json:"type"`
	Trade congress.Trade `json:"trade"`
}

// Ingestor yields alerts not yet present in the processed set. Alerts older
// than the set's retention window are never offered: their ids may already
// have been pruned from the set.
type Ingestor struct {
	src    Source
	set    *ProcessedAlertSet
	schema *jsonschema.Schema
	now    func() time.Time
}

func NewIngestor(src Source, set *ProcessedAlertSet, now func() time.Time) (*Ingestor, error) {
	schema, err := compileAlertSchema()
	if err != nil {
		return nil, fmt.Errorf("compile alert schema: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Ingestor{src: src, set: set, schema: schema, now: now}, nil
}

func compileAlertSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("alert.schema.json", strings.NewReader(alertSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("alert.schema.json")
}

// Discover returns unprocessed congressional-trade alerts ordered by the
// timestamp embedded in their ids. Malformed records are logged and skipped;
// only a failure to list the source is returned.
func (i *Ingestor) Discover(ctx context.Context) ([]congress.Alert, error) {
	raws, err := i.src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	now := i.now()
	alerts := make([]congress.Alert, 0, len(raws))
	for _, raw := range raws {
		if i.set.Contains(raw.ID) {
			continue
		}
		if ts, err := congress.ParseAlertID(raw.ID); err == nil && i.set.Expired(ts, now) {
			observ.Debug("alert_expired", map[string]any{"alert_id": raw.ID, "path": raw.Path})
			observ.IncCounter("alerts_expired_total", nil)
			continue
		}
		a, err := i.decode(raw)
		if err != nil {
			observ.Warn("alert_skipped", map[string]any{"alert_id": raw.ID, "path": raw.Path, "error": err.Error()})
			observ.IncCounter("alerts_malformed_total", nil)
			continue
		}
		if a == nil {
			continue
		}
		alerts = append(alerts, *a)
	}

	sort.SliceStable(alerts, func(a, b int) bool {
		if alerts[a].Timestamp.Equal(alerts[b].Timestamp) {
			return alerts[a].ID < alerts[b].ID
		}
		return alerts[a].Timestamp.Before(alerts[b].Timestamp)
	})

	observ.IncCounterBy("alerts_discovered_total", nil, float64(len(alerts)))
	return alerts, nil
}

// decode returns nil, nil for well-formed records of another type.
func (i *Ingestor) decode(raw RawAlert) (*congress.Alert, error) {
	ts, err := congress.ParseAlertID(raw.ID)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw.Data, &doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if err := i.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	var rec alertRecord
	if err := json.Unmarshal(raw.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	if rec.Type != congress.AlertType {
		return nil, nil
	}
	return &congress.Alert{
		ID:        raw.ID,
		Timestamp: ts,
		Trade:     rec.Trade.Normalize(),
		Source:    raw.Path,
	}, nil
}

// MarkProcessed persists id in the processed set. Safe to call twice.
func (i *Ingestor) MarkProcessed(ctx context.Context, id string) error {
	return i.set.Add(ctx, id)
}

// Processed reports the size of the processed set.
func (i *Ingestor) Processed() int {
	return i.set.Len()
}
