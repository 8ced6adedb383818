package engine

import (
	"context"
	"os/exec"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/monitor"
)

// HealthStatus is one subsystem's health classification.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// Health is the health.check response.
type Health struct {
	DB       HealthStatus `json:"db"`
	Agent    HealthStatus `json:"agent"`
	Cooldown HealthStatus `json:"cooldown"`
	Monitor  HealthStatus `json:"monitor"`
}

// Healthy reports whether every subsystem is OK.
func (h Health) Healthy() bool {
	return h.DB == HealthOK && h.Agent == HealthOK && h.Cooldown == HealthOK && h.Monitor == HealthOK
}

// HealthCheck probes each subsystem.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	health := Health{DB: HealthOK, Agent: HealthOK, Cooldown: HealthOK, Monitor: HealthOK}

	if err := e.store.Ping(ctx); err != nil {
		health.DB = HealthDown
	} else if e.store.Degraded() {
		health.DB = HealthDegraded
	}

	if _, err := exec.LookPath(e.cfg.AgentBinary); err != nil {
		health.Agent = HealthDown
	}

	switch e.monitor.CooldownState().Status {
	case cooldown.StatusCooling:
		health.Cooldown = HealthDegraded
	case cooldown.StatusUnknown:
		health.Cooldown = HealthDegraded
	}

	switch e.monitor.Mode() {
	case monitor.ModeUnavailable:
		health.Monitor = HealthDegraded
	case monitor.ModeCritical:
		health.Monitor = HealthDegraded
	}
	return health
}
