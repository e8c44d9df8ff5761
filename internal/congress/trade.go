// Package congress holds the disclosed-trade records the mirror consumes and
// the identity scheme of the alerts that carry them.
package congress

import (
	"fmt"
	"strings"
	"time"
)

// TransactionType is the normalized, lower-case transaction kind of a
// disclosure.
type TransactionType string

const (
	TxBuy      TransactionType = "buy"
	TxPurchase TransactionType = "purchase"
	TxSell     TransactionType = "sell"
	TxSale     TransactionType = "sale"
)

// IsBuy reports whether t opens exposure.
func (t TransactionType) IsBuy() bool { return t == TxBuy || t == TxPurchase }

// IsSell reports whether t closes exposure.
func (t TransactionType) IsSell() bool { return t == TxSell || t == TxSale }

// Known reports whether t is one of the four recognized kinds.
func (t TransactionType) Known() bool { return t.IsBuy() || t.IsSell() }

// Chamber identifies the legislative body of the filer.
type Chamber string

const (
	House  Chamber = "house"
	Senate Chamber = "senate"
)

// Trade is a disclosed trade. Values are immutable once ingested; dates are
// kept as the filer's raw strings because their formats vary by source.
type Trade struct {
	Politician      string          `json:"politician"`
	Ticker          string          `json:"ticker"`
	TransactionType TransactionType `json:"transaction_type"`
	Amount          float64         `json:"amount"`
	TransactionDate string          `json:"transaction_date"`
	DisclosureDate  string          `json:"disclosure_date,omitempty"`
	Chamber         Chamber         `json:"chamber,omitempty"`
}

// Normalize upper-cases the ticker and lower-cases type and chamber.
func (t Trade) Normalize() Trade {
	t.Politician = strings.TrimSpace(t.Politician)
	t.Ticker = strings.ToUpper(strings.TrimSpace(t.Ticker))
	t.TransactionType = TransactionType(strings.ToLower(strings.TrimSpace(string(t.TransactionType))))
	t.Chamber = Chamber(strings.ToLower(strings.TrimSpace(string(t.Chamber))))
	if t.Chamber == "" {
		t.Chamber = House
	}
	return t
}

// HasTicker reports whether the trade names a tradeable symbol.
func (t Trade) HasTicker() bool {
	switch strings.ToUpper(strings.TrimSpace(t.Ticker)) {
	case "", "N/A", "NA", "--", "NONE":
		return false
	}
	return true
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses the date formats seen in House and Senate filings.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "Z") && !strings.Contains(s, "T") {
		s = strings.TrimSuffix(s, "Z")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
