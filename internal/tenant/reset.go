package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/cocrm/internal/docstore"
)

// Reset schedules in the reset location.
const (
	DailySchedule   = "0 0 * * *"
	MonthlySchedule = "0 0 1 * *"
)

// UsageResetter zeroes usage counters at period boundaries. Each tenant is
// reset in its own transaction and tagged with the period it was reset for,
// so running the same reset twice (another replica, a manual CLI run) is a
// no-op.
type UsageResetter struct {
	store  docstore.Store
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
	cron   *cron.Cron
}

func NewUsageResetter(store docstore.Store, loc *time.Location, logger *slog.Logger) *UsageResetter {
	if loc == nil {
		loc = time.UTC
	}
	return &UsageResetter{store: store, logger: logger, loc: loc, now: time.Now}
}

// WithClock overrides the time source.
func (r *UsageResetter) WithClock(now func() time.Time) *UsageResetter {
	r.now = now
	return r
}

// ResetDaily zeroes whatsapp_sent_today and returns how many tenants changed.
func (r *UsageResetter) ResetDaily(ctx context.Context) (int, error) {
	period := r.now().In(r.loc).Format("2006-01-02")
	return r.resetAll(ctx, "daily", func(u *Usage) bool {
		if u.DailyPeriod == period {
			return false
		}
		u.WhatsAppSentToday = 0
		u.DailyPeriod = period
		return true
	})
}

// ResetMonthly zeroes the monthly lead and enrichment counters.
func (r *UsageResetter) ResetMonthly(ctx context.Context) (int, error) {
	period := r.now().In(r.loc).Format("2006-01")
	return r.resetAll(ctx, "monthly", func(u *Usage) bool {
		if u.MonthlyPeriod == period {
			return false
		}
		u.LeadsFetchedThisMonth = 0
		u.EnrichmentsThisMonth = 0
		u.MonthlyPeriod = period
		return true
	})
}

func (r *UsageResetter) resetAll(ctx context.Context, kind string, apply func(*Usage) bool) (int, error) {
	tenants, err := List(ctx, r.store)
	if err != nil {
		return 0, fmt.Errorf("tenant: list for %s reset: %w", kind, err)
	}

	reset := 0
	for _, t := range tenants {
		changed := false
		err := r.store.RunAtomic(ctx, func(ctx context.Context, tx docstore.Tx) error {
			changed = false
			cur, err := Load(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			if !apply(&cur.UsageCurrent) {
				return nil
			}
			changed = true
			return Save(ctx, tx, cur, r.now(), "system")
		})
		if err != nil {
			r.logger.Error("usage reset failed", "kind", kind, "tenant_id", t.ID, "error", err)
			continue
		}
		if changed {
			reset++
		}
	}
	r.logger.Info("usage counters reset", "kind", kind, "tenants", reset)
	return reset, nil
}

// Start registers the daily and monthly jobs and starts the scheduler.
func (r *UsageResetter) Start(ctx context.Context) error {
	c := cron.New(cron.WithLocation(r.loc))
	if _, err := c.AddFunc(DailySchedule, func() { _, _ = r.ResetDaily(ctx) }); err != nil {
		return fmt.Errorf("tenant: schedule daily reset: %w", err)
	}
	if _, err := c.AddFunc(MonthlySchedule, func() { _, _ = r.ResetMonthly(ctx) }); err != nil {
		return fmt.Errorf("tenant: schedule monthly reset: %w", err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("usage reset scheduler started", "location", r.loc.String())
	return nil
}

// Stop waits for running jobs to finish.
func (r *UsageResetter) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
