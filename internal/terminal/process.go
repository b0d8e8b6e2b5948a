package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	readBufferSize   = 4096
	outputQueueSize  = 64
	inputQueueSize   = 256
	exitDrainTimeout = 2 * time.Second
)

// Process is a Handle backed by a real PTY.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	input  chan []byte
	output chan []byte

	readDone chan struct{}
	abandon  chan struct{}
	done     chan struct{}
	killed   chan struct{}

	killOnce  sync.Once
	closeOnce sync.Once

	mu       sync.RWMutex
	exited   bool
	exitCode int
	cols     int
	rows     int
}

// PTYSpawner spawns Process handles.
type PTYSpawner struct{}

// Spawn implements Spawner.
func (PTYSpawner) Spawn(opts SpawnOptions) (Handle, error) {
	p, err := Spawn(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Spawn starts opts.Command on a new PTY sized cols x rows.
func Spawn(opts SpawnOptions) (*Process, error) {
	opts = opts.withDefaults()
	if !validSize(opts.Cols, opts.Rows) {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrSpawn, opts.Cols, opts.Rows)
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM="+opts.TermName)
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, opts.Command, err)
	}

	p := &Process{
		cmd:      cmd,
		ptmx:     ptmx,
		input:    make(chan []byte, inputQueueSize),
		output:   make(chan []byte, outputQueueSize),
		readDone: make(chan struct{}),
		abandon:  make(chan struct{}),
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
		exitCode: -1,
		cols:     opts.Cols,
		rows:     opts.Rows,
	}

	go p.readOutput()
	go p.writeInput()
	go p.wait()

	return p, nil
}

// readOutput copies PTY output into the output channel until the PTY closes.
func (p *Process) readOutput() {
	defer close(p.readDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.killed:
				return
			case <-p.abandon:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeInput drains the input queue into the PTY.
func (p *Process) writeInput() {
	for {
		select {
		case data := <-p.input:
			// A failed write means the PTY is going away; the waiter reports the exit.
			_, _ = p.ptmx.Write(data)
		case <-p.done:
			return
		case <-p.killed:
			return
		}
	}
}

// wait reaps the process, lets the reader drain, then closes the PTY. Done and
// Output are closed only after the exit is recorded, so a Write observed after
// the output channel closed always fails.
func (p *Process) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	select {
	case <-p.readDone:
	case <-p.killed:
	case <-time.After(exitDrainTimeout):
	}
	close(p.abandon)
	p.closePTY()
	<-p.readDone

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	close(p.done)
	close(p.output)
}

func (p *Process) closePTY() {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
}

func (p *Process) closed() bool {
	select {
	case <-p.killed:
		return true
	default:
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exited
}

// Write queues data for the process without blocking. It fails with
// ErrInputOverflow while the queue is full and with ErrProcessExited once the
// process has exited or been killed.
func (p *Process) Write(data []byte) error {
	if p.closed() {
		return ErrProcessExited
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.input <- buf:
		return nil
	case <-p.done:
		return ErrProcessExited
	case <-p.killed:
		return ErrProcessExited
	default:
		return ErrInputOverflow
	}
}

// Resize changes the PTY window; the process receives SIGWINCH.
func (p *Process) Resize(cols, rows int) error {
	if !validSize(cols, rows) {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return ErrProcessExited
	}
	select {
	case <-p.killed:
		return ErrProcessExited
	default:
	}

	if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("%w: %v", ErrProcessExited, err)
	}
	p.cols = cols
	p.rows = rows
	return nil
}

// Size returns the last applied window size.
func (p *Process) Size() (cols, rows int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cols, p.rows
}

// Kill signals the process and closes the PTY. It does not wait for the
// process to exit and is safe to call any number of times.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		p.closePTY()
	})
}

// Output implements Handle.
func (p *Process) Output() <-chan []byte { return p.output }

// Done implements Handle.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit status, or -1 while running or when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Pid returns the OS process ID.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
