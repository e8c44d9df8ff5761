// Package trigger decides when the engine runs a cycle.
package trigger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/clawback/mirror/internal/config"
	"github.com/clawback/mirror/internal/observ"
)

// Func runs one cycle. Implementations must tolerate being called while a
// previous call is still running.
type Func func(ctx context.Context)

// Trigger calls fire until ctx is cancelled.
type Trigger interface {
	Name() string
	Run(ctx context.Context, fire Func) error
}

// New builds the trigger selected by cfg. alertsDir is watched by the
// "watch" trigger.
func New(cfg config.Schedule, alertsDir string) (Trigger, error) {
	immediate := cfg.Immediate == nil || *cfg.Immediate
	switch cfg.Trigger {
	case "", "periodic":
		return &Periodic{Interval: cfg.Interval, Immediate: immediate}, nil
	case "cron":
		return NewCron(cfg.Cron)
	case "watch":
		return &Watch{Dir: alertsDir, Debounce: cfg.Debounce, Immediate: immediate}, nil
	case "manual":
		return NewManual(), nil
	}
	return nil, fmt.Errorf("unknown trigger %q", cfg.Trigger)
}

// Periodic fires every Interval.
type Periodic struct {
	Interval  time.Duration
	Immediate bool
}

func (p *Periodic) Name() string { return "periodic" }

func (p *Periodic) Run(ctx context.Context, fire Func) error {
	if p.Interval <= 0 {
		return fmt.Errorf("periodic trigger: interval must be positive")
	}
	observ.Log("trigger_started", map[string]any{"trigger": p.Name(), "interval": p.Interval.String()})
	if p.Immediate {
		fire(ctx)
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fire(ctx)
		}
	}
}

// Cron fires on a standard five-field cron schedule evaluated in UTC.
type Cron struct {
	Spec     string
	schedule cron.Schedule
}

func NewCron(spec string) (*Cron, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("cron trigger %q: %w", spec, err)
	}
	return &Cron{Spec: spec, schedule: s}, nil
}

func (c *Cron) Name() string { return "cron" }

// Next returns the first activation after t.
func (c *Cron) Next(t time.Time) time.Time { return c.schedule.Next(t.UTC()) }

func (c *Cron) Run(ctx context.Context, fire Func) error {
	sched := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	sched.Schedule(c.schedule, cron.FuncJob(func() { fire(ctx) }))
	observ.Log("trigger_started", map[string]any{"trigger": c.Name(), "spec": c.Spec, "next": c.Next(time.Now()).Format(time.RFC3339)})
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}

// Watch fires when alert files appear in Dir. Bursts of file events within
// Debounce collapse into one cycle.
type Watch struct {
	Dir       string
	Debounce  time.Duration
	Immediate bool
}

func (w *Watch) Name() string { return "watch" }

func (w *Watch) Run(ctx context.Context, fire Func) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch trigger: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	observ.Log("trigger_started", map[string]any{"trigger": w.Name(), "dir": w.Dir})

	if w.Immediate {
		fire(ctx)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = time.Second
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isAlertEvent(ev) {
				continue
			}
			observ.IncCounter("trigger_file_events_total", nil)
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			observ.Warn("trigger_watch_error", map[string]any{"dir": w.Dir, "error": err.Error()})
		case <-timer.C:
			fire(ctx)
		}
	}
}

func isAlertEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	ok, _ := filepath.Match("alert_*.json", filepath.Base(ev.Name))
	return ok
}

// Manual fires only when Fire is called. Requests made while a cycle is
// queued coalesce.
type Manual struct {
	ch chan struct{}
}

func NewManual() *Manual { return &Manual{ch: make(chan struct{}, 1)} }

func (m *Manual) Name() string { return "manual" }

// Fire queues a cycle and reports false if one was already queued.
func (m *Manual) Fire() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manual) Run(ctx context.Context, fire Func) error {
	observ.Log("trigger_started", map[string]any{"trigger": m.Name()})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.ch:
			fire(ctx)
		}
	}
}
