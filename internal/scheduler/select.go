package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"lifeline/internal/domain"
	"lifeline/internal/survival"
)

// neverRunLookback anchors cron evaluation for tasks that have never run, so
// they are due at the first opportunity.
const neverRunLookback = 24 * time.Hour

var errNoScheduleMode = errors.New("neither cron nor interval set")

// Selector decides which schedule rows are due in a tick.
type Selector struct {
	// HonorRetryAt treats a past NextRunAt as due. When false, NextRunAt is
	// advisory and only the cron or interval rule decides.
	HonorRetryAt bool
	Logger       zerolog.Logger
}

// Due filters rows in order, keeping the input order. Rows are excluded when
// disabled, below the tick's tier, leased by another live owner, or not due
// by their cron or interval rule or a past retry time. Malformed rows are
// excluded and reported even when a retry is pending.
func (s Selector) Due(rows []domain.ScheduleEntry, tc *TickContext, ownerID string) []domain.ScheduleEntry {
	now := tc.StartedAt
	var due []domain.ScheduleEntry
	for _, e := range rows {
		if !e.Enabled {
			continue
		}
		if !survival.MeetsMinimum(tc.Tier, e.TierMinimum) {
			continue
		}
		if e.LeaseActive(now) && e.LeaseOwner != ownerID {
			continue
		}
		ok, err := IsDue(e, now)
		if err != nil {
			reason := "invalid_cron"
			if errors.Is(err, errNoScheduleMode) {
				reason = "no_schedule"
			}
			scheduleErrors.WithLabelValues(e.TaskName, reason).Inc()
			s.Logger.Error().Err(err).Str("task", e.TaskName).Str("tick_id", tc.TickID).Msg("schedule row excluded")
			continue
		}
		if ok || (s.HonorRetryAt && e.NextRunAt != nil && !e.NextRunAt.After(now)) {
			due = append(due, e)
		}
	}
	return due
}

// IsDue applies the cron or interval rule of e at now. The cron expression
// wins when both are set.
func IsDue(e domain.ScheduleEntry, now time.Time) (bool, error) {
	switch {
	case e.CronExpr != "":
		return CronDue(e.CronExpr, e.LastRunAt, now)
	case e.IntervalMs > 0:
		return IntervalDue(e.IntervalMs, e.LastRunAt, now), nil
	default:
		return false, errNoScheduleMode
	}
}

// CronDue reports whether the first fire time after the anchor has passed.
// The anchor is lastRun, or 24 hours before now when the task never ran.
func CronDue(expr string, lastRun *time.Time, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	anchor := now.Add(-neverRunLookback)
	if lastRun != nil {
		anchor = *lastRun
	}
	next := sched.Next(anchor)
	return !next.IsZero() && !next.After(now), nil
}

func IntervalDue(intervalMs int64, lastRun *time.Time, now time.Time) bool {
	if lastRun == nil {
		return true
	}
	return now.Sub(*lastRun) >= time.Duration(intervalMs)*time.Millisecond
}

// NextDueAt estimates when e next becomes due by its cron or interval rule,
// ignoring gating. It returns the zero time for malformed or inert rows.
func NextDueAt(e domain.ScheduleEntry, now time.Time) time.Time {
	switch {
	case e.CronExpr != "":
		sched, err := cron.ParseStandard(e.CronExpr)
		if err != nil {
			return time.Time{}
		}
		if e.LastRunAt == nil {
			return sched.Next(now.Add(-neverRunLookback))
		}
		return sched.Next(*e.LastRunAt)
	case e.IntervalMs > 0:
		if e.LastRunAt == nil {
			return now
		}
		return e.LastRunAt.Add(time.Duration(e.IntervalMs) * time.Millisecond)
	default:
		return time.Time{}
	}
}
