package outbox

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawback/mirror/internal/observ"
)

func TestHasRecentOrder(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ob, err := New(filepath.Join(t.TempDir(), "nested", "outbox.jsonl"), 3600)
	require.NoError(t, err)
	ob.WithClock(func() time.Time { return now })

	key := ExitKey("01J0000000000000000000000")
	ok, err := ob.HasRecentOrder(key)
	require.NoError(t, err)
	assert.False(t, ok, "empty journal")

	require.NoError(t, ob.WriteOrder(Order{ID: "a", Symbol: "NVDA", Side: "SELL", Quantity: 3, Status: StatusSubmitted, IdempotencyKey: key}))
	ok, err = ob.HasRecentOrder(key)
	require.NoError(t, err)
	assert.True(t, ok)

	// A failed submission releases the key for a retry.
	require.NoError(t, ob.WriteOrder(Order{ID: "a", Symbol: "NVDA", Side: "SELL", Quantity: 3, Status: StatusFailed, IdempotencyKey: key}))
	ok, err = ob.HasRecentOrder(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ob.WriteOrder(Order{ID: "b", Symbol: "NVDA", Side: "SELL", Quantity: 3, Status: StatusPending, IdempotencyKey: key, BrokerOrderID: "B-1"}))
	last, found, err := ob.LastOrder(key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "B-1", last.BrokerOrderID)

	// Entries outside the dedupe window are ignored.
	now = now.Add(2 * time.Hour)
	ok, err = ob.HasRecentOrder(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFillSimulator(t *testing.T) {
	fs := NewFillSimulator(10, 10, 1)
	buy := fs.SimulateFill(Order{ID: "x", Symbol: "AAPL", Side: "BUY", Quantity: 2}, 100)
	assert.InDelta(t, 100.1, buy.Price, 1e-9)
	assert.Equal(t, 2, buy.Quantity)
	assert.Equal(t, 10, buy.SlippageBps)

	sell := fs.SimulateFill(Order{ID: "y", Symbol: "AAPL", Side: "SELL", Quantity: 2}, 100)
	assert.Less(t, sell.Price, 100.0)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "exit:p1", ExitKey("p1"))
	assert.Equal(t, "entry:alert_1", EntryKey("alert_1"))
	assert.True(t, strings.HasPrefix(NewClientOrderID(), "mo_"))
	assert.NotEqual(t, NewClientOrderID(), NewClientOrderID())
}

func TestPendingOrders(t *testing.T) {
	ob, err := New(filepath.Join(t.TempDir(), "outbox.jsonl"), 3600)
	require.NoError(t, err)

	e1, e2 := EntryKey("alert_20250615_100000"), EntryKey("alert_20250615_110000")
	require.NoError(t, ob.WriteOrder(Order{ID: "1", Symbol: "MSFT", Side: "BUY", Status: StatusSubmitted, IdempotencyKey: e1}))
	require.NoError(t, ob.WriteOrder(Order{ID: "1", Symbol: "MSFT", Side: "BUY", Status: StatusPending, IdempotencyKey: e1}))
	require.NoError(t, ob.WriteOrder(Order{ID: "2", Symbol: "AAPL", Side: "BUY", Status: StatusPending, IdempotencyKey: e2}))
	require.NoError(t, ob.WriteOrder(Order{ID: "2", Symbol: "AAPL", Side: "BUY", Status: StatusFilled, IdempotencyKey: e2}))
	require.NoError(t, ob.WriteOrder(Order{ID: "3", Symbol: "NVDA", Side: "SELL", Status: StatusPending, IdempotencyKey: ExitKey("p")}))

	pending, err := ob.PendingOrders("entry:")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "MSFT", pending[0].Symbol)
}

type brokenJournal struct{}

func (brokenJournal) WriteOrder(Order) error { return errors.New("disk full") }
func (brokenJournal) WriteFill(Fill) error   { return errors.New("disk full") }

func TestRecordStatus_LogsWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	observ.SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { observ.SetLogger(zerolog.Nop()) })

	RecordStatus(brokenJournal{}, Order{ID: "c-1", IdempotencyKey: EntryKey("alert_20250615_110000"), Status: StatusFilled})
	RecordFill(brokenJournal{}, Fill{OrderID: "b-1", Symbol: "MSFT"})

	out := buf.String()
	assert.Contains(t, out, `"event":"order_journal_failed"`)
	assert.Contains(t, out, `"status":"filled"`)
	assert.Contains(t, out, `"idempotency_key":"entry:alert_20250615_110000"`)
	assert.Contains(t, out, `"event":"fill_journal_failed"`)
	assert.Contains(t, out, "disk full")
}
