package outbox

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Order statuses as journaled. Submitted is written before the broker call;
// the broker's answer is journaled as a second entry under the same key.
const (
	StatusSubmitted = "submitted"
	StatusPending   = "pending"
	StatusFilled    = "filled"
	StatusRejected  = "rejected"
	StatusFailed    = "failed"
)

type Order struct {
	ID             string    `json:"id"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       int       `json:"quantity"`
	RefPrice       float64   `json:"ref_price,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	AlertID        string    `json:"alert_id,omitempty"`
	PositionID     string    `json:"position_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

// InFlight reports whether the order blocks a new submission under the
// same idempotency key.
func (o Order) InFlight() bool {
	switch o.Status {
	case StatusSubmitted, StatusPending, StatusFilled:
		return true
	}
	return false
}

type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	Side        string    `json:"side"`
	Timestamp   time.Time `json:"timestamp"`
	SlippageBps int       `json:"slippage_bps"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is an append-only JSONL journal of order submissions and fills.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	now          func() time.Time
}

func New(path string, dedupeWindowSecs int) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{
		path:         path,
		dedupeWindow: time.Duration(dedupeWindowSecs) * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the journal clock; used by tests.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.append("order", order)
}

func (o *Outbox) WriteFill(fill Fill) error {
	return o.append("fill", fill)
}

func (o *Outbox) append(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: o.now()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HasRecentOrder reports whether the latest order journaled under key,
// within the dedupe window, is still in flight or already filled.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	order, ok, err := o.LastOrder(idempotencyKey)
	if err != nil || !ok {
		return false, err
	}
	return order.InFlight(), nil
}

// LastOrder returns the most recent order entry for key within the dedupe
// window.
func (o *Outbox) LastOrder(idempotencyKey string) (Order, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Order{}, false, nil
		}
		return Order{}, false, err
	}
	defer f.Close()

	cutoff := o.now().Add(-o.dedupeWindow)
	var (
		last  Order
		found bool
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var entry Entry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type != "order" || entry.Event.Before(cutoff) {
			continue
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err != nil {
			continue
		}
		if order.IdempotencyKey == idempotencyKey {
			last, found = order, true
		}
	}
	return last, found, sc.Err()
}

// PendingOrders returns orders whose latest journaled status within the
// dedupe window is pending and whose key starts with prefix.
func (o *Outbox) PendingOrders(prefix string) ([]Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cutoff := o.now().Add(-o.dedupeWindow)
	latest := map[string]Order{}
	var keys []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var entry Entry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Type != "order" || entry.Event.Before(cutoff) {
			continue
		}
		var order Order
		if err := json.Unmarshal(entry.Data, &order); err != nil || !strings.HasPrefix(order.IdempotencyKey, prefix) {
			continue
		}
		if _, seen := latest[order.IdempotencyKey]; !seen {
			keys = append(keys, order.IdempotencyKey)
		}
		latest[order.IdempotencyKey] = order
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var out []Order
	for _, k := range keys {
		if ord := latest[k]; ord.Status == StatusPending {
			out = append(out, ord)
		}
	}
	return out, nil
}
