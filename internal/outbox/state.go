package outbox

import (
	"github.com/google/uuid"
)

// NewClientOrderID returns a fresh client-side order id.
func NewClientOrderID() string {
	return "mo_" + uuid.NewString()
}

// EntryKey guards against opening twice from the same alert.
func EntryKey(alertID string) string {
	return "entry:" + alertID
}

// ExitKey guards against more than one in-flight exit per position.
func ExitKey(positionID string) string {
	return "exit:" + positionID
}
