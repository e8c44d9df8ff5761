package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memProcessed struct {
	ids     map[string]time.Time
	saves   int
	deleted []string
}

func (m *memProcessed) LoadProcessed(context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(m.ids))
	for k, v := range m.ids {
		out[k] = v
	}
	return out, nil
}

func (m *memProcessed) SaveProcessed(_ context.Context, id string, at time.Time) error {
	m.ids[id] = at
	m.saves++
	return nil
}

func (m *memProcessed) DeleteProcessed(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.ids, id)
	}
	m.deleted = append(m.deleted, ids...)
	return nil
}

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func writeAlert(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json"), []byte(body), 0o644))
}

const validBody = `{"type":"congressional_trade","trade":{"politician":"Nancy Pelosi","ticker":"msft","transaction_type":"Buy","amount":500000,"transaction_date":"2025-06-08"}}`

func TestLoadProcessedSet_PrunesExpired(t *testing.T) {
	store := &memProcessed{ids: map[string]time.Time{
		"alert_20250610_080000": time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC),
		"alert_20250401_080000": time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	}}
	set, err := LoadProcessedSet(context.Background(), store, 30*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Contains("alert_20250610_080000"))
	assert.Equal(t, []string{"alert_20250401_080000"}, store.deleted)
}

func TestProcessedAlertSet_AddIsIdempotent(t *testing.T) {
	store := &memProcessed{ids: map[string]time.Time{}}
	set, err := LoadProcessedSet(context.Background(), store, 30*24*time.Hour, now)
	require.NoError(t, err)

	require.NoError(t, set.Add(context.Background(), "alert_20250615_110000"))
	require.NoError(t, set.Add(context.Background(), "alert_20250615_110000"))
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 1, store.saves)

	assert.Error(t, set.Add(context.Background(), "not-an-alert"))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeAlert(t, dir, "alert_20250615_100000", validBody)
	writeAlert(t, dir, "alert_20250614_100000", `{"type":"congressional_trade","trade":{"ticker":"NVDA","transaction_type":"sale","amount":75000}}`)
	writeAlert(t, dir, "alert_20250613_100000", `{"type":"insider_trade","trade":{"ticker":"NVDA","transaction_type":"buy","amount":75000}}`)
	writeAlert(t, dir, "alert_20250612_100000", `{"type":"congressional_trade","trade":{"ticker":"NVDA","transaction_type":"buy","amount":"lots"}}`)
	writeAlert(t, dir, "alert_20250611_100000", `{not json`)
	writeAlert(t, dir, "alert_bogus", validBody)
	writeAlert(t, dir, "alert_20250610_100000", validBody)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte(validBody), 0o644))

	store := &memProcessed{ids: map[string]time.Time{
		"alert_20250610_100000": time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC),
	}}
	set, err := LoadProcessedSet(context.Background(), store, 30*24*time.Hour, now)
	require.NoError(t, err)
	ing, err := NewIngestor(DirSource{Dir: dir}, set, func() time.Time { return now })
	require.NoError(t, err)

	alerts, err := ing.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "alert_20250614_100000", alerts[0].ID)
	assert.Equal(t, "alert_20250615_100000", alerts[1].ID)

	a := alerts[1]
	assert.Equal(t, "MSFT", a.Trade.Ticker)
	assert.Equal(t, "buy", string(a.Trade.TransactionType))
	assert.Equal(t, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC), a.Timestamp)

	require.NoError(t, ing.MarkProcessed(context.Background(), a.ID))
	alerts, err = ing.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 2, ing.Processed())
}

func TestDiscover_MissingDirIsEmpty(t *testing.T) {
	set, err := LoadProcessedSet(context.Background(), &memProcessed{ids: map[string]time.Time{}}, time.Hour, now)
	require.NoError(t, err)
	ing, err := NewIngestor(DirSource{Dir: filepath.Join(t.TempDir(), "missing")}, set, nil)
	require.NoError(t, err)

	alerts, err := ing.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestDiscover_OldAlertNotOfferedAfterPrune(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeAlert(t, dir, "alert_20250610_100000", validBody)
	store := &memProcessed{ids: map[string]time.Time{}}
	clock := now

	set, err := LoadProcessedSet(ctx, store, 30*24*time.Hour, clock)
	require.NoError(t, err)
	ing, err := NewIngestor(DirSource{Dir: dir}, set, func() time.Time { return clock })
	require.NoError(t, err)
	alerts, err := ing.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.NoError(t, ing.MarkProcessed(ctx, alerts[0].ID))

	// A restart a month later prunes the id while the file is still on disk.
	clock = now.AddDate(0, 0, 31)
	set, err = LoadProcessedSet(ctx, store, 30*24*time.Hour, clock)
	require.NoError(t, err)
	assert.False(t, set.Contains("alert_20250610_100000"))
	ing, err = NewIngestor(DirSource{Dir: dir}, set, func() time.Time { return clock })
	require.NoError(t, err)

	alerts, err = ing.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
