package terminal

import (
	"errors"
	"os"
)

var (
	// ErrUnknownTerminal is returned when an ID is not (or no longer) in the registry.
	ErrUnknownTerminal = errors.New("unknown terminal")
	// ErrProcessExited is returned by Write and Resize once the process is gone.
	ErrProcessExited = errors.New("process has exited")
	// ErrSpawn wraps failures to start the terminal command.
	ErrSpawn = errors.New("failed to spawn terminal process")
	// ErrIdentifierCollision is returned if the ID generator repeats itself.
	ErrIdentifierCollision = errors.New("terminal identifier collision")
	// ErrSpawnThrottled is returned while the spawn guard is open.
	ErrSpawnThrottled = errors.New("terminal spawning suspended after repeated failures")
	// ErrInputOverflow is returned by Write when the process is not draining
	// its input. The data is discarded.
	ErrInputOverflow = errors.New("terminal input queue full")
)

// Handle is one interactive process attached to a pseudo-terminal.
//
// Output delivers every chunk the process writes, in order. Done and Output
// are closed exactly once, after the process has been reaped; no chunk
// follows the close and Write fails with ErrProcessExited from then on.
// Write never blocks; it fails with ErrInputOverflow when the process has
// stopped reading.
type Handle interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Kill()
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitCode() int
	Pid() int
}

// Spawner starts terminal processes.
type Spawner interface {
	Spawn(opts SpawnOptions) (Handle, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(opts SpawnOptions) (Handle, error)

// Spawn calls f(opts).
func (f SpawnerFunc) Spawn(opts SpawnOptions) (Handle, error) {
	return f(opts)
}

// SpawnOptions describes the process to start.
type SpawnOptions struct {
	Command  string
	Args     []string
	Dir      string
	Env      []string // KEY=VALUE pairs appended to the server environment
	TermName string
	Cols     int
	Rows     int
}

const (
	DefaultCols     = 120
	DefaultRows     = 30
	DefaultTermName = "xterm-color"
)

// withDefaults fills unset fields.
func (o SpawnOptions) withDefaults() SpawnOptions {
	if o.Command == "" {
		o.Command = os.Getenv("SHELL")
		if o.Command == "" {
			o.Command = "/bin/sh"
		}
	}
	if o.Cols <= 0 {
		o.Cols = DefaultCols
	}
	if o.Rows <= 0 {
		o.Rows = DefaultRows
	}
	if o.TermName == "" {
		o.TermName = DefaultTermName
	}
	return o
}

// validSize reports whether cols x rows fits a PTY window.
func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= 0xffff && rows <= 0xffff
}
