package outbox

import "github.com/clawback/mirror/internal/observ"

// Writer is the append side of the order journal.
type Writer interface {
	WriteOrder(o Order) error
	WriteFill(f Fill) error
}

// RecordStatus journals a status update for an order the broker has already
// answered. A failed write cannot undo the submission, so it is logged and
// counted instead of returned. While the last journaled entry stays
// "submitted" the key blocks resubmission for the dedupe window.
func RecordStatus(w Writer, o Order) {
	if err := w.WriteOrder(o); err != nil {
		observ.Error("order_journal_failed", err, map[string]any{
			"order_id":        o.ID,
			"broker_order_id": o.BrokerOrderID,
			"idempotency_key": o.IdempotencyKey,
			"status":          o.Status,
		})
		observ.IncCounter("order_journal_failures_total", map[string]string{"kind": "order"})
	}
}

// RecordFill journals a fill, logging a failed write.
func RecordFill(w Writer, f Fill) {
	if err := w.WriteFill(f); err != nil {
		observ.Error("fill_journal_failed", err, map[string]any{"order_id": f.OrderID, "symbol": f.Symbol})
		observ.IncCounter("order_journal_failures_total", map[string]string{"kind": "fill"})
	}
}
