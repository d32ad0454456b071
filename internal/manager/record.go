package manager

import (
	"time"

	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/unit"
)

// Record is the registry entry of one unit.
type Record struct {
	Name string
	Kind string
	// Handle is nil for units registered from a STATE report.
	Handle launcher.Handle
	// State is the last value the unit reported, not necessarily its real
	// state: a unit that faulted keeps its last report.
	State          unit.State
	StopRequested  bool
	AutoRegistered bool
	RegisteredAt   time.Time
	UpdatedAt      time.Time

	exitSeen bool
}

// Alive reports whether the unit's goroutine or process is running. It is
// false for records without a handle.
func (r Record) Alive() bool {
	return r.Handle != nil && r.Handle.IsAlive()
}

// PID is the OS process id of a process unit, 0 otherwise.
func (r Record) PID() int {
	if p, ok := r.Handle.(interface{ PID() int }); ok {
		return p.PID()
	}
	return 0
}
