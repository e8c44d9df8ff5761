package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/clawback/mirror/internal/observ"
)

type TelegramConfig struct {
	BotToken        string
	ChatID          string
	APIBaseURL      string
	SendTradeAlerts bool
	SendErrorAlerts bool
	RateLimitPerMin int
	QueueSize       int
}

type telegramMessage struct {
	kind     string
	text     string
	attempts int
}

// Telegram posts Markdown messages to the Bot API from a bounded queue
// drained by one worker.
type Telegram struct {
	cfg        TelegramConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan telegramMessage
	retryBase  time.Duration
	now        func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.telegram.org"
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	t := &Telegram{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), 3),
		queue:      make(chan telegramMessage, cfg.QueueSize),
		retryBase:  time.Second,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go t.worker()
	return t
}

func (t *Telegram) TradeExecuted(ev TradeEvent) {
	if !t.cfg.SendTradeAlerts {
		return
	}
	t.enqueue("trade", formatTrade(ev, t.now()))
}

func (t *Telegram) DisclosureDetected(ev DisclosureEvent) {
	t.enqueue("disclosure", formatDisclosure(ev, t.now()))
}

func (t *Telegram) RiskWarning(ev RiskEvent) {
	t.enqueue("risk", formatRisk(ev, t.now()))
}

func (t *Telegram) OperationalError(ev ErrorEvent) {
	if !t.cfg.SendErrorAlerts {
		return
	}
	t.enqueue("error", formatError(ev, t.now()))
}

// TestInfo is the system state reported by SendTest.
type TestInfo struct {
	Broker        string
	Authenticated bool
	Balance       *float64
	TradingMode   string
}

// SendTest delivers a setup check synchronously and returns its error.
func (t *Telegram) SendTest(ctx context.Context, info TestInfo) error {
	return t.send(ctx, formatTest(info, t.now()))
}

func (t *Telegram) enqueue(kind, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- telegramMessage{kind: kind, text: text}:
		observ.SetGauge("notify_queue_depth", float64(len(t.queue)), nil)
	default:
		observ.IncCounter("notify_dropped_total", map[string]string{"kind": kind})
		observ.Warn("notify_dropped", map[string]any{"kind": kind, "reason": "queue full"})
	}
}

func (t *Telegram) worker() {
	defer close(t.done)
	for msg := range t.queue {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := t.send(ctx, msg.text)
			cancel()
			if err == nil {
				observ.IncCounter("notify_sent_total", map[string]string{"kind": msg.kind})
				break
			}
			msg.attempts++
			if msg.attempts >= 3 {
				observ.IncCounter("notify_failed_total", map[string]string{"kind": msg.kind})
				observ.Warn("notify_failed", map[string]any{"kind": msg.kind, "attempts": msg.attempts, "error": err.Error()})
				break
			}
			time.Sleep(t.retryBase * time.Duration(1<<msg.attempts))
		}
		observ.SetGauge("notify_queue_depth", float64(len(t.queue)), nil)
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to expire.
func (t *Telegram) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  t.cfg.ChatID,
		"text":                     text,
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBaseURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		return fmt.Errorf("telegram request failed: %s", redact(err.Error(), t.cfg.BotToken))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK || !gjson.GetBytes(body, "ok").Bool() {
		return fmt.Errorf("telegram API error: HTTP %d: %s", resp.StatusCode, gjson.GetBytes(body, "description").String())
	}
	return nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}

var mdEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func esc(s string) string { return mdEscaper.Replace(s) }

func stamp(now time.Time) string {
	return now.Local().Format("2006-01-02 15:04:05 MST")
}

func formatTrade(ev TradeEvent, now time.Time) string {
	var b strings.Builder
	b.WriteString("🚀 *TRADE EXECUTED* 🚀\n\n")
	fmt.Fprintf(&b, "*Action:* %s %s\n", esc(strings.ToUpper(ev.Action)), esc(ev.Symbol))
	fmt.Fprintf(&b, "*Quantity:* %d shares\n", ev.Quantity)
	fmt.Fprintf(&b, "*Price:* $%.2f\n", ev.Price)
	fmt.Fprintf(&b, "*Total:* $%.2f\n", ev.Total)
	if ev.RealizedPnL != nil {
		fmt.Fprintf(&b, "*Realized P/L:* $%.2f\n", *ev.RealizedPnL)
	}
	fmt.Fprintf(&b, "*Reason:* %s\n\n", esc(ev.Reason))
	fmt.Fprintf(&b, "*Time:* %s", stamp(now))
	return b.String()
}

func formatDisclosure(ev DisclosureEvent, now time.Time) string {
	var b strings.Builder
	b.WriteString("📊 *CONGRESSIONAL TRADE ALERT* 📊\n\n")
	fmt.Fprintf(&b, "*Politician:* %s\n", esc(ev.Politician))
	if ev.Chamber != "" {
		fmt.Fprintf(&b, "*Chamber:* %s\n", esc(ev.Chamber))
	}
	fmt.Fprintf(&b, "*Action:* %s %s\n", esc(strings.ToUpper(ev.TransactionType)), esc(ev.Ticker))
	fmt.Fprintf(&b, "*Amount:* $%.2f\n", ev.Amount)
	fmt.Fprintf(&b, "*Date:* %s\n\n", esc(ev.TransactionDate))
	fmt.Fprintf(&b, "*Time Detected:* %s", stamp(now))
	return b.String()
}

func formatRisk(ev RiskEvent, now time.Time) string {
	var b strings.Builder
	icon := "⚠️"
	if ev.Status == "halt" {
		icon = "🛑"
	}
	fmt.Fprintf(&b, "%s *PORTFOLIO RISK: %s* %s\n\n", icon, strings.ToUpper(ev.Status), icon)
	if ev.PreviousStatus != "" {
		fmt.Fprintf(&b, "*Previous:* %s\n", ev.PreviousStatus)
	}
	fmt.Fprintf(&b, "*Drawdown:* %.1f%%\n", ev.DrawdownPct)
	fmt.Fprintf(&b, "*Consecutive Losses:* %d\n", ev.ConsecutiveLosses)
	fmt.Fprintf(&b, "*Open Positions:* %d\n", ev.OpenPositions)
	if len(ev.Warnings) > 0 {
		b.WriteString("*Warnings:*\n")
		for _, w := range ev.Warnings {
			fmt.Fprintf(&b, "  • %s\n", esc(w))
		}
	}
	fmt.Fprintf(&b, "\n*Time:* %s", stamp(now))
	return b.String()
}

func formatError(ev ErrorEvent, now time.Time) string {
	var b strings.Builder
	switch ev.Kind {
	case "broker":
		b.WriteString("🚨 *BROKER API ERROR* 🚨\n\n")
	case "disclosure":
		b.WriteString("📋 *DISCLOSURE POLL FAILED* 📋\n\n")
	default:
		b.WriteString("⚠️ *SYSTEM ERROR* ⚠️\n\n")
	}
	if ev.Operation != "" {
		fmt.Fprintf(&b, "*Operation:* %s\n", esc(ev.Operation))
	}
	fmt.Fprintf(&b, "*Error:* `%s`\n", strings.ReplaceAll(ev.Message, "`", "'"))
	if len(ev.Details) > 0 {
		keys := make([]string, 0, len(ev.Details))
		for k := range ev.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("*Details:*\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  • %s: %s\n", esc(k), esc(ev.Details[k]))
		}
	}
	fmt.Fprintf(&b, "*Time:* %s", stamp(now))
	return b.String()
}

func formatTest(info TestInfo, now time.Time) string {
	var b strings.Builder
	b.WriteString("✅ *MIRROR SYSTEM TEST* ✅\n\n")
	broker := info.Broker
	if broker == "" {
		broker = "Not configured"
	}
	fmt.Fprintf(&b, "*Broker:* %s\n", esc(broker))
	if info.TradingMode != "" {
		fmt.Fprintf(&b, "*Mode:* %s\n", esc(info.TradingMode))
	}
	auth := "Not authenticated"
	if info.Authenticated {
		auth = "Authenticated ✓"
	}
	fmt.Fprintf(&b, "*Auth Status:* %s\n", auth)
	if info.Balance != nil {
		fmt.Fprintf(&b, "*Account Balance:* $%.2f\n", *info.Balance)
	} else {
		b.WriteString("*Account Balance:* Not available\n")
	}
	fmt.Fprintf(&b, "*Time:* %s\n\n", stamp(now))
	if info.Authenticated {
		b.WriteString("System ready to trade!")
	} else {
		b.WriteString("⚠️ Please authenticate before trading.")
	}
	return b.String()
}
