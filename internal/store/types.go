// Package store provides the database operations the orchestrator is built
// on: container records, port allocations, and per-source request history.
package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the two pools the rest of the system is built around: Primary
// serves user-facing request traffic, Maintenance serves the janitor's
// sweep/monitor loops. Keeping them separate means a slow sweep can never
// starve a deploy request of a connection, and vice versa.
type Store struct {
	Primary     *pgxpool.Pool
	Maintenance *pgxpool.Pool
}

// New wraps two already-connected pools.
func New(primary, maintenance *pgxpool.Pool) *Store {
	return &Store{Primary: primary, Maintenance: maintenance}
}

// ContainerStatus enumerates the lifecycle states a container row can be in.
type ContainerStatus string

const (
	StatusRunning ContainerStatus = "running"
	StatusStopped ContainerStatus = "stopped"
	StatusRemoved ContainerStatus = "removed"
)

// Container is a row of the containers table.
type Container struct {
	ID             string
	Port           int
	StartTime      int64
	ExpirationTime int64
	UserUUID       string
	IPAddress      string
	Status         ContainerStatus
	ExtensionCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the container's expiration_time has passed as of now.
func (c Container) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpirationTime
}

// PortAllocation is a row of the port_allocations table.
type PortAllocation struct {
	Port        int
	Allocated   bool
	ContainerID *string
	AllocatedAt *int64
}

// IPRequest is a row of the ip_requests table, recording one admission
// attempt from a source IP at a point in time.
type IPRequest struct {
	ID          int64
	IPAddress   string
	RequestTime int64
}
