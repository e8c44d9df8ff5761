package decision

import (
	"encoding/json"
	"math"
)

// EntryState is the portfolio view an entry decision is gated on.
type EntryState struct {
	Halted        bool
	OpenPositions int
	Held          map[string]bool
	Cash          float64
}

type EntryConfig struct {
	MinConfidence   float64
	MaxPositions    int
	PositionSizeUSD float64
	MaxPositionPct  float64
}

type EntryReason struct {
	Confidence   float64  `json:"confidence"`
	GatesPassed  []string `json:"gates_passed"`
	GatesBlocked []string `json:"gates_blocked"`
	Notional     float64  `json:"notional"`
}

// EntryIntent is the outcome of gating a BUY recommendation.
type EntryIntent struct {
	Symbol     string
	Intent     string // BUY | REJECT
	Notional   float64
	ReasonJSON string
	Blocked    []string
}

func (e EntryIntent) Rejected() bool { return e.Intent == "REJECT" }

// EvaluateEntry collects every blocked gate for a BUY recommendation and
// sizes the order when none block. Non-BUY recommendations are rejected.
func EvaluateEntry(rec Recommendation, st EntryState, cfg EntryConfig) EntryIntent {
	reason := EntryReason{
		Confidence:   rec.Confidence,
		GatesPassed:  []string{},
		GatesBlocked: []string{},
	}

	if rec.Action != ActionBuy {
		reason.GatesBlocked = append(reason.GatesBlocked, "not_buy")
	}
	if st.Halted {
		reason.GatesBlocked = append(reason.GatesBlocked, "halt")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "no_halt")
	}
	if cfg.MaxPositions > 0 && st.OpenPositions >= cfg.MaxPositions {
		reason.GatesBlocked = append(reason.GatesBlocked, "max_positions")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "positions_ok")
	}
	if rec.Confidence < cfg.MinConfidence {
		reason.GatesBlocked = append(reason.GatesBlocked, "min_confidence")
	} else {
		reason.GatesPassed = append(reason.GatesPassed, "confidence_ok")
	}
	if st.Held[rec.Ticker] {
		reason.GatesBlocked = append(reason.GatesBlocked, "already_held")
	}

	notional := cfg.PositionSizeUSD
	if cfg.MaxPositionPct > 0 {
		notional = math.Min(notional, st.Cash*cfg.MaxPositionPct/100)
	}
	if notional <= 0 {
		reason.GatesBlocked = append(reason.GatesBlocked, "insufficient_cash")
	}

	if len(reason.GatesBlocked) > 0 {
		rj, _ := json.Marshal(reason)
		return EntryIntent{Symbol: rec.Ticker, Intent: "REJECT", ReasonJSON: string(rj), Blocked: reason.GatesBlocked}
	}

	reason.Notional = notional
	rj, _ := json.Marshal(reason)
	return EntryIntent{Symbol: rec.Ticker, Intent: "BUY", Notional: notional, ReasonJSON: string(rj)}
}

// Shares converts a notional to a whole share count at price. Zero means the
// notional cannot buy a single share.
func Shares(notional, price float64) int {
	if price <= 0 {
		return 0
	}
	return int(math.Floor(notional / price))
}
