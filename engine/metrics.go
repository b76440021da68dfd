// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors, registered on a private
// registry so tests can run engines side by side
type Metrics struct {
	registry *prometheus.Registry

	DecisionRounds    prometheus.Counter
	DecisionConflicts prometheus.Counter

	ActivityTasks    *prometheus.CounterVec
	ActivityInFlight *prometheus.GaugeVec

	TimersFired      prometheus.Counter
	TriggerFirings   *prometheus.CounterVec
	SignalsDelivered prometheus.Counter
	SignalsDropped   prometheus.Counter

	InstancesStarted   prometheus.Counter
	InstancesCompleted *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		DecisionRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "decision_rounds_total",
			Help:      "Decision rounds evaluated",
		}),
		DecisionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "decision_conflicts_total",
			Help:      "History appends rejected by the sequence check and redone",
		}),
		ActivityTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "activity_tasks_total",
			Help:      "Activity attempts by queue and outcome",
		}, []string{"queue", "outcome"}),
		ActivityInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulseflow",
			Name:      "activity_tasks_inflight",
			Help:      "Activity attempts currently executing by queue",
		}, []string{"queue"}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "timers_fired_total",
			Help:      "Durable timers fired",
		}),
		TriggerFirings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "trigger_firings_total",
			Help:      "Recurring trigger firings by trigger name",
		}, []string{"trigger"}),
		SignalsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "signals_delivered_total",
			Help:      "Signals recorded into an instance history",
		}),
		SignalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "signals_dropped_total",
			Help:      "Signals dropped because no instance or creating rule matched",
		}),
		InstancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "instances_started_total",
			Help:      "Workflow instances started",
		}),
		InstancesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulseflow",
			Name:      "instances_closed_total",
			Help:      "Workflow instances closed by final status",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.DecisionRounds, m.DecisionConflicts, m.ActivityTasks, m.ActivityInFlight,
		m.TimersFired, m.TriggerFirings, m.SignalsDelivered, m.SignalsDropped,
		m.InstancesStarted, m.InstancesCompleted,
	)
	return m
}

// Registry exposes the collectors for the /metrics HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

const (
	taskOutcomeCompleted = "completed"
	taskOutcomeRetried   = "retried"
	taskOutcomeFailed    = "failed"
	taskOutcomeDropped   = "dropped"
)
