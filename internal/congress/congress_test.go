package congress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlertID(t *testing.T) {
	ts, err := ParseAlertID("alert_20250314_093015")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 15, 0, time.UTC), ts)

	// Suffixes after the timestamp are tolerated.
	_, err = ParseAlertID("alert_20250314_093015_2")
	assert.NoError(t, err)

	for _, bad := range []string{"", "alert_", "alert_2025", "trade_20250314_093015", "alert_20251314_093015"} {
		_, err := ParseAlertID(bad)
		assert.ErrorIs(t, err, ErrBadAlertID, bad)
	}
}

func TestAlertIDRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ts, err := ParseAlertID(AlertID(now))
	require.NoError(t, err)
	assert.Equal(t, now, ts)
}

func TestTradeNormalize(t *testing.T) {
	tr := Trade{Politician: " Nancy Pelosi ", Ticker: " msft", TransactionType: "Purchase", Chamber: ""}.Normalize()
	assert.Equal(t, "Nancy Pelosi", tr.Politician)
	assert.Equal(t, "MSFT", tr.Ticker)
	assert.Equal(t, TxPurchase, tr.TransactionType)
	assert.Equal(t, House, tr.Chamber)
	assert.True(t, tr.TransactionType.IsBuy())
}

func TestHasTicker(t *testing.T) {
	assert.True(t, Trade{Ticker: "AAPL"}.HasTicker())
	assert.False(t, Trade{Ticker: ""}.HasTicker())
	assert.False(t, Trade{Ticker: "n/a"}.HasTicker())
	assert.False(t, Trade{Ticker: "--"}.HasTicker())
}

func TestTransactionTypes(t *testing.T) {
	assert.True(t, TxSale.IsSell())
	assert.True(t, TxSell.Known())
	assert.False(t, TransactionType("exchange").Known())
}

func TestParseDate(t *testing.T) {
	for _, s := range []string{"2025-01-02", "2025-01-02T10:00:00Z", "01/02/2025", "2025-01-02T10:00:00"} {
		d, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, 2025, d.Year())
		assert.Equal(t, time.January, d.Month())
		assert.Equal(t, 2, d.Day())
	}
	_, err := ParseDate("last tuesday")
	assert.Error(t, err)
}
