package database

// State is the lifecycle state of the database supervisor.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var stateNames = []string{"stopped", "starting", "running", "stopping", "failed"}

// Mode selects between an externally managed database and an embedded one.
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// Storage selects whether engine files survive a stop.
type Storage string

const (
	Persistent Storage = "persistent"
	Ephemeral  Storage = "ephemeral"
)

// Endpoint is where clients reach the database.
type Endpoint struct {
	URI  string `json:"uri"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	// Managed is false when the database runs outside the host.
	Managed bool `json:"managed"`
}
