package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_ticks_total",
		Help: "Heartbeat ticks by outcome (completed, failed, skipped)",
	}, []string{"outcome"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lifeline_tick_duration_seconds",
		Help:    "Wall time of one heartbeat tick",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_task_runs_total",
		Help: "Task run attempts by result",
	}, []string{"task", "result"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lifeline_task_duration_seconds",
		Help:    "Time taken by one task run attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	leaseContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_lease_contention_total",
		Help: "Executions skipped because another owner held the lease",
	}, []string{"task"})

	scheduleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_schedule_errors_total",
		Help: "Schedule rows excluded because their configuration is unusable",
	}, []string{"task", "reason"})

	survivalTierGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeline_survival_tier",
		Help: "Survival tier of the last tick (0=dead .. 4=high)",
	})

	creditBalanceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeline_credit_balance_cents",
		Help: "Compute credit balance observed by the last tick",
	})

	usdcBalanceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lifeline_usdc_balance",
		Help: "Wallet USDC balance observed by the last tick",
	})

	balanceFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_balance_fetch_errors_total",
		Help: "Balance fetches that failed and were defaulted to zero",
	}, []string{"source"})

	wakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifeline_wakes_total",
		Help: "Wake requests raised by tasks",
	}, []string{"task"})
)
