// Package terminaltest provides in-memory terminal handles and spawners for tests.
package terminaltest

import (
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/GriffinCanCode/webshell/internal/terminal"
)

var nextPid atomic.Int64

// Handle is an in-memory terminal.Handle. Output written with Emit is
// delivered in order; Exit and Kill end the process.
type Handle struct {
	Opts terminal.SpawnOptions

	pid    int
	output chan []byte
	done   chan struct{}

	mu       sync.Mutex
	written  [][]byte
	cols     int
	rows     int
	exited   bool
	exitCode int
	kills    int
	stalled  bool
	// Echo sends every write back as output.
	Echo bool
}

// NewHandle returns a running handle.
func NewHandle(opts terminal.SpawnOptions) *Handle {
	return &Handle{
		Opts:     opts,
		pid:      int(nextPid.Add(1)),
		output:   make(chan []byte, 1024),
		done:     make(chan struct{}),
		cols:     opts.Cols,
		rows:     opts.Rows,
		exitCode: -1,
	}
}

// Write implements terminal.Handle.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return terminal.ErrProcessExited
	}
	if h.stalled {
		return terminal.ErrInputOverflow
	}
	buf := append([]byte(nil), p...)
	h.written = append(h.written, buf)
	if h.Echo {
		h.output <- buf
	}
	return nil
}

// Resize implements terminal.Handle.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return terminal.ErrProcessExited
	}
	h.cols, h.rows = cols, rows
	return nil
}

// Kill implements terminal.Handle.
func (h *Handle) Kill() {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.Exit(-1)
}

// Stall makes the handle behave like a process that stopped reading its
// input: every later Write fails with terminal.ErrInputOverflow.
func (h *Handle) Stall() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stalled = true
}

// Emit delivers data as process output. It is ignored after exit.
func (h *Handle) Emit(data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.output <- []byte(data)
}

// Exit ends the process with code. Only the first call has an effect.
func (h *Handle) Exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.exitCode = code
	close(h.done)
	close(h.output)
}

// Output implements terminal.Handle.
func (h *Handle) Output() <-chan []byte { return h.output }

// Done implements terminal.Handle.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode implements terminal.Handle.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Pid implements terminal.Handle.
func (h *Handle) Pid() int { return h.pid }

// Written returns everything written so far, concatenated.
func (h *Handle) Written() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []byte
	for _, w := range h.written {
		out = append(out, w...)
	}
	return string(out)
}

// Size returns the last size applied.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Kills returns how many times Kill was called.
func (h *Handle) Kills() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

// Exited reports whether the handle has exited.
func (h *Handle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

// Spawner records every handle it creates.
type Spawner struct {
	// Err, when set, is returned by every Spawn call.
	Err error
	// Echo is copied onto new handles.
	Echo bool

	mu      sync.Mutex
	handles []*Handle
}

// Spawn implements terminal.Spawner.
func (s *Spawner) Spawn(opts terminal.SpawnOptions) (terminal.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	h := NewHandle(opts)
	h.Echo = s.Echo
	s.handles = append(s.handles, h)
	return h, nil
}

// Handles returns the handles spawned so far.
func (s *Spawner) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Handle(nil), s.handles...)
}

// Last returns the most recent handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}

// MockSpawner is a testify mock of terminal.Spawner.
type MockSpawner struct {
	mock.Mock
}

// Spawn mocks the Spawn method.
func (m *MockSpawner) Spawn(opts terminal.SpawnOptions) (terminal.Handle, error) {
	args := m.Called(opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(terminal.Handle), args.Error(1)
}
