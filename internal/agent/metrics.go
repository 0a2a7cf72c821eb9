package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	punchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_punches_total",
		Help: "Punch flows run on this terminal, by purpose and outcome.",
	}, []string{"purpose", "outcome"})

	enrollStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_enroll_steps_total",
		Help: "Registration photo steps run on this terminal, by step and outcome.",
	}, []string{"step", "outcome"})

	submitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agent_submit_seconds",
		Help:    "Wall time of evidence submissions to the hub.",
		Buckets: prometheus.DefBuckets,
	}, []string{"purpose"})
)
