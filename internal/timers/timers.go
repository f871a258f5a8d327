// Package timers implements the per-tenant interval-timer manager
// (spec.md §4.4), grounded on interval_timer_manager.rs. Cron parsing is
// isolated behind parsedInterval per spec.md §9's "treat the cron library
// as an external dependency with a pure interface" design note.
package timers

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scriptforge/scriptforge/internal/observability"
	"github.com/scriptforge/scriptforge/internal/store"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// parsedInterval is a pure function of (interval, last_run) -> next_run.
type parsedInterval struct {
	minutes  *uint64
	schedule cron.Schedule
}

func parseInterval(spec store.IntervalSpec) (parsedInterval, error) {
	if spec.Minutes != nil {
		return parsedInterval{minutes: spec.Minutes}, nil
	}
	if spec.CronExpr == nil {
		return parsedInterval{}, fmt.Errorf("timers: interval has neither minutes nor cron")
	}
	// synthetic leading seconds field, mirroring interval_timer_manager.rs's
	// format!("0 {}", c).
	sched, err := cronParser.Parse("0 " + *spec.CronExpr)
	if err != nil {
		return parsedInterval{}, fmt.Errorf("timers: invalid cron %q: %w", *spec.CronExpr, err)
	}
	return parsedInterval{schedule: sched}, nil
}

func (p parsedInterval) nextRun(last time.Time) (time.Time, bool) {
	if p.minutes != nil {
		return last.Add(time.Duration(*p.minutes) * time.Minute), true
	}
	next := p.schedule.Next(last)
	return next, !next.IsZero()
}

type loadedTimer struct {
	timer    store.IntervalTimer
	parsed   parsedInterval
	nextRun  time.Time
}

// NextAction mirrors the Rust NextTimerAction: nothing to do, wait until a
// deadline, or fire now.
type NextActionKind int

const (
	ActionNone NextActionKind = iota
	ActionWait
	ActionRun
)

type NextAction struct {
	Kind     NextActionKind
	Deadline time.Time
}

// Manager owns one tenant's interval timers end to end: sync from storage,
// compute the next deadline, trigger due timers, and ack them back to
// storage with retry.
type Manager struct {
	store    store.Store
	tenantID uint64

	loaded  map[string]loadedTimer
	pending map[string]bool
}

// New creates an empty Manager for one tenant.
func New(st store.Store, tenantID uint64) *Manager {
	return &Manager{
		store:   st,
		tenantID: tenantID,
		loaded:  make(map[string]loadedTimer),
		pending: make(map[string]bool),
	}
}

// Contrib is a timer declared by a script at startup, before it has ever
// been persisted (no LastRun yet).
type Contrib struct {
	Name     string
	Interval store.IntervalSpec
}

// ScriptStarted registers the interval timers declared by newly loaded
// scripts, reconciling each against storage's last_run (spec.md §4.6 step
// 4; interval_timer_manager.rs's script_started/init_timer).
func (m *Manager) ScriptStarted(ctx context.Context, contribs []Contrib) {
	if len(contribs) == 0 {
		return
	}

	existing, err := m.store.ListIntervalTimers(ctx, m.tenantID)
	if err != nil {
		log.Printf("timers: tenant %d: failed listing existing timers: %v", m.tenantID, err)
		return
	}
	byName := make(map[string]store.IntervalTimer, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	for _, contrib := range contribs {
		lastRun := time.Now()
		if db, ok := byName[contrib.Name]; ok {
			lastRun = db.LastRun
		}

		t := store.IntervalTimer{
			TenantID: m.tenantID,
			Name:     contrib.Name,
			Interval: contrib.Interval,
			LastRun:  lastRun,
		}
		if err := m.store.UpsertIntervalTimer(ctx, t); err != nil {
			log.Printf("timers: tenant %d: failed persisting timer %q: %v", m.tenantID, t.Name, err)
			continue
		}

		m.initTimer(t)
	}
}

func (m *Manager) initTimer(t store.IntervalTimer) {
	parsed, err := parseInterval(t.Interval)
	if err != nil {
		log.Printf("timers: tenant %d: %v, omitting timer %q", m.tenantID, err, t.Name)
		return
	}
	next, ok := parsed.nextRun(t.LastRun)
	if !ok {
		log.Printf("timers: tenant %d: cron %q for timer %q has no future occurrence, omitting", m.tenantID, *t.Interval.CronExpr, t.Name)
		return
	}
	m.loaded[t.Name] = loadedTimer{timer: t, parsed: parsed, nextRun: next}
}

// nextEventTime returns the earliest nextRun among non-pending timers.
func (m *Manager) nextEventTime() (time.Time, bool) {
	var best time.Time
	found := false
	for name, lt := range m.loaded {
		if m.pending[name] {
			continue
		}
		if !found || lt.nextRun.Before(best) {
			best = lt.nextRun
			found = true
		}
	}
	return best, found
}

// NextAction implements spec.md §4.4 next_action().
func (m *Manager) NextAction() NextAction {
	next, ok := m.nextEventTime()
	if !ok {
		return NextAction{Kind: ActionNone}
	}
	if time.Now().After(next) {
		return NextAction{Kind: ActionRun}
	}
	return NextAction{Kind: ActionWait, Deadline: next}
}

// Trigger implements spec.md §4.4 trigger(): returns every due,
// non-pending timer and marks each pending.
func (m *Manager) Trigger() []store.IntervalTimer {
	now := time.Now()
	var fired []store.IntervalTimer
	for name, lt := range m.loaded {
		if m.pending[name] {
			continue
		}
		if now.After(lt.nextRun) {
			fired = append(fired, lt.timer)
			m.pending[name] = true
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].Name < fired[j].Name })
	if len(fired) > 0 {
		observability.TimerFires.WithLabelValues(fmt.Sprint(m.tenantID)).Add(float64(len(fired)))
	}
	return fired
}

// Ack implements spec.md §4.4 ack(): clears pending, advances last_run, and
// persists it, retrying on transient storage failure (spec.md §7 "transient
// storage" policy: timers never drop on retry).
func (m *Manager) Ack(ctx context.Context, name string) {
	if !m.pending[name] {
		return
	}
	delete(m.pending, name)

	lt, ok := m.loaded[name]
	if !ok {
		return
	}

	now := time.Now()
	lt.timer.LastRun = now
	if next, ok := lt.parsed.nextRun(now); ok {
		lt.nextRun = next
		m.loaded[name] = lt
	} else {
		delete(m.loaded, name)
	}

	go m.persistLastRun(ctx, name, now)
}

func (m *Manager) persistLastRun(ctx context.Context, name string, lastRun time.Time) {
	for {
		err := m.store.UpdateIntervalTimerLastRun(ctx, m.tenantID, name, lastRun)
		if err == nil {
			return
		}
		log.Printf("timers: tenant %d: retrying ack for %q after storage error: %v", m.tenantID, name, err)
		observability.TaskStoreAckRetries.WithLabelValues("timers").Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
