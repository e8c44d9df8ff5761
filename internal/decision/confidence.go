package decision

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clawback/mirror/internal/congress"
)

const (
	MinConfidence = 0.1
	MaxConfidence = 0.9
)

var (
	baseConfidence = decimal.NewFromFloat(0.5)
	minConfidence  = decimal.NewFromFloat(MinConfidence)
	maxConfidence  = decimal.NewFromFloat(MaxConfidence)
)

// Scorer maps a disclosed trade to a heuristic confidence in [0.1, 0.9].
// It holds no state beyond its watch lists and clock.
type Scorer struct {
	primary   []string
	secondary []string
	now       func() time.Time
}

// NewScorer builds a scorer. Watch names match case-insensitively as
// substrings of the politician name. A nil clock means time.Now.
func NewScorer(primary, secondary []string, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{
		primary:   lowerAll(primary),
		secondary: lowerAll(secondary),
		now:       now,
	}
}

// Score computes base + size bonus + identity bonus + recency adjustment,
// clamped to [0.1, 0.9] and rounded to two decimals.
func (s *Scorer) Score(amount float64, politician, transactionDate string) float64 {
	c := baseConfidence.Add(sizeBonus(amount)).Add(s.identityBonus(politician)).Add(s.recencyAdjustment(transactionDate))

	if c.LessThan(minConfidence) {
		c = minConfidence
	}
	if c.GreaterThan(maxConfidence) {
		c = maxConfidence
	}
	f, _ := c.Round(2).Float64()
	return f
}

func sizeBonus(amount float64) decimal.Decimal {
	switch {
	case amount >= 1_000_000:
		return decimal.NewFromFloat(0.3)
	case amount >= 500_000:
		return decimal.NewFromFloat(0.2)
	case amount >= 100_000:
		return decimal.NewFromFloat(0.1)
	default:
		return decimal.Zero
	}
}

func (s *Scorer) identityBonus(politician string) decimal.Decimal {
	p := strings.ToLower(politician)
	if p == "" {
		return decimal.Zero
	}
	if containsAny(p, s.primary) {
		return decimal.NewFromFloat(0.2)
	}
	if containsAny(p, s.secondary) {
		return decimal.NewFromFloat(0.1)
	}
	return decimal.Zero
}

func (s *Scorer) recencyAdjustment(transactionDate string) decimal.Decimal {
	if strings.TrimSpace(transactionDate) == "" {
		return decimal.Zero
	}
	d, err := congress.ParseDate(transactionDate)
	if err != nil {
		return decimal.Zero
	}
	ageDays := int(s.now().Sub(d).Hours() / 24)
	switch {
	case ageDays <= 7:
		return decimal.NewFromFloat(0.1)
	case ageDays > 30:
		return decimal.NewFromFloat(-0.2)
	default:
		return decimal.Zero
	}
}

func containsAny(s string, names []string) bool {
	for _, n := range names {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
