// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RuleChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_rule_checks_total",
			Help: "Cycle checks run against candidate flow rules",
		},
		[]string{"result"},
	)

	TATCalculations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_tat_calculations_total",
			Help: "Turn-around-time calculations by kind",
		},
		[]string{"kind"},
	)

	FlowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_flows_started_total",
			Help: "Flow instances started per system",
		},
		[]string{"system"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_tasks_completed_total",
			Help: "Task instances completed per system and matched rule status",
		},
		[]string{"system", "status"},
	)
)

const (
	ResultOK    = "ok"
	ResultCycle = "cycle"
)

// Status labels for TasksCompleted when the status did not select a rule by name.
const (
	StatusFallback = "fallback"
	StatusEnd      = "end"
)
