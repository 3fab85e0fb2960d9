package node

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the orchestrator's tunables.
type Config struct {
	// PingInterval is the base interval between liveness pings; actual
	// intervals carry jitter.
	PingInterval time.Duration

	// MaintenanceInterval is how often stale routing entries are swept.
	MaintenanceInterval time.Duration

	// RoutingTTL is how long a routing entry lives without being refreshed.
	RoutingTTL time.Duration

	// Logger ...
	Logger *logrus.Entry
}

// NewConfig ...
func NewConfig(
	pingInterval time.Duration,
	maintenanceInterval time.Duration,
	routingTTL time.Duration,
	logger *logrus.Entry,
) *Config {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &Config{
		PingInterval:        pingInterval,
		MaintenanceInterval: maintenanceInterval,
		RoutingTTL:          routingTTL,
		Logger:              logger,
	}
}

// DefaultConfig ...
func DefaultConfig() *Config {
	return NewConfig(
		10*time.Second,
		time.Minute,
		24*time.Hour,
		nil,
	)
}
