package process

import (
	"time"
)

// Info holds metadata about a launched target, read from /proc once the
// process exists.
type Info struct {
	// Basic Info
	PID         uint32
	PPID        uint32
	Comm        string
	CmdLine     string
	ExePath     string
	UID         uint32
	Username    string
	ContainerID string

	// Timing Information
	StartTime time.Time

	WorkingDir string
}

// Stats is a point-in-time resource sample of a process.
type Stats struct {
	Timestamp     time.Time
	CPUUsage      float64 // CPU usage percentage
	MemoryUsage   uint64  // Memory usage in bytes
	MemoryPercent float64 // Memory usage percentage
	ThreadCount   int     // Number of threads
	FileDescCount int     // Number of open file descriptors
}

// Launcher starts targets in a suspended state.
type Launcher interface {
	// Launch spawns path with args. The returned target has not executed any
	// instruction of path yet; call Release to let it run.
	Launch(path string, args []string) (Target, error)
}

// Target is a handle on one launched process.
type Target interface {
	PID() uint32
	// Release lets a freshly launched target start running.
	Release() error
	// Suspend stops every thread of the target.
	Suspend() error
	// Resume continues a suspended target.
	Resume() error
	// Terminate kills the target and its process group.
	Terminate() error
	// Running reports liveness without blocking.
	Running() bool
	// Exited is closed once the target has been reaped.
	Exited() <-chan struct{}
	// ExitCode is valid after Exited is closed; -1 means killed by a signal.
	ExitCode() int
}
