package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	punchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_punches_total",
		Help: "Punch submissions processed, by kind and outcome.",
	}, []string{"kind", "outcome"})

	onboardStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_onboard_steps_total",
		Help: "Onboarding photo steps processed, by step and outcome.",
	}, []string{"step", "outcome"})

	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_logins_total",
		Help: "Login attempts, by outcome.",
	}, []string{"outcome"})
)
