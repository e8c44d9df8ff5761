package congress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	alertPrefix   = "alert_"
	alertIDLayout = "20060102_150405"

	// AlertType is the only record type the mirror acts on.
	AlertType = "congressional_trade"
)

// ErrBadAlertID is returned for ids not of the form alert_YYYYMMDD_HHMMSS.
var ErrBadAlertID = errors.New("malformed alert id")

// Alert wraps a disclosed trade with the identity assigned by the scraper.
type Alert struct {
	ID        string    `json:"alert_id"`
	Timestamp time.Time `json:"timestamp"`
	Trade     Trade     `json:"trade"`
	Source    string    `json:"source,omitempty"`
}

// ParseAlertID extracts the UTC timestamp embedded in an alert id.
func ParseAlertID(id string) (time.Time, error) {
	if !strings.HasPrefix(id, alertPrefix) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadAlertID, id)
	}
	rest := id[len(alertPrefix):]
	if len(rest) < len(alertIDLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadAlertID, id)
	}
	ts, err := time.Parse(alertIDLayout, rest[:len(alertIDLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadAlertID, id)
	}
	return ts, nil
}

// AlertID formats the id the scraper would assign at t.
func AlertID(t time.Time) string {
	return alertPrefix + t.UTC().Format(alertIDLayout)
}
