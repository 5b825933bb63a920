package identity

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gofer/pkg/schema"
)

// Identity describes a worker process to the dispatcher and to logs.
// WorkerID is generated per process; restarts produce a new one.
type Identity struct {
	WorkerID  string    `json:"worker_id"`
	Name      string    `json:"name"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// New builds a fresh identity for this process.
func New(name string) (*Identity, error) {
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "worker name is required")
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Identity{
		WorkerID:  uuid.New().String(),
		Name:      name,
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}, nil
}

// String returns "name (worker_id)" for logs and banners.
func (id *Identity) String() string {
	return id.Name + " (" + id.WorkerID + ")"
}
