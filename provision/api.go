// Package provision defines the worker-management API that remote workers are reserved
// through, together with an HTTP client, an HTTP server and an in-memory platform.
package provision

import (
	"context"
	"fmt"

	petname "github.com/dustinkirkland/golang-petname"
)

// Status is the provisioning status of one reserved worker.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusDead    Status = "dead"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusDead:
		return true
	default:
		return false
	}
}

// Assignment is the answer to a worker request. Host, Port and Secret are set once the
// worker is ready; Reason explains a dead worker.
type Assignment struct {
	Status Status `json:"status"`
	Host   string `json:"host,omitempty"`
	Port   int    `json:"port,omitempty"`
	Secret string `json:"secret,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Address returns host:port.
func (a Assignment) Address() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// API is the worker-management platform.
//
// RequestWorker is idempotent per (poolID, workerID): the first call reserves a worker,
// later calls report its current status. ReleaseWorker cancels a reservation or terminates
// a running worker; releasing an unknown worker is not an error.
type API interface {
	RequestWorker(ctx context.Context, poolID, workerID string) (Assignment, error)
	ReleaseWorker(ctx context.Context, poolID, workerID string) error
}

// NewPoolID returns a human-readable identifier for a new worker pool, such as "calm-otter".
func NewPoolID() string {
	return petname.Generate(2, "-")
}
