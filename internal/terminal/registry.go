package terminal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ID identifies a terminal. IDs are random and never reused.
type ID string

// SessionID identifies the connection-scoped group that owns terminals.
type SessionID string

// Removal reasons reported to Metrics.
const (
	ReasonClosed  = "closed"
	ReasonExited  = "exited"
	ReasonSession = "session_closed"
	ReasonIOError = "io_error"
)

// Metrics receives registry events.
type Metrics interface {
	TerminalCreated()
	TerminalSpawnFailed()
	TerminalRemoved(reason string)
	SetTerminalsActive(terminals, sessions int)
}

type noopMetrics struct{}

func (noopMetrics) TerminalCreated()            {}
func (noopMetrics) TerminalSpawnFailed()        {}
func (noopMetrics) TerminalRemoved(string)      {}
func (noopMetrics) SetTerminalsActive(int, int) {}

// Terminal is a registered process plus its metadata.
type Terminal struct {
	ID        ID
	SessionID SessionID
	Command   string
	StartedAt time.Time

	handle Handle
	seq    uint64

	mu   sync.RWMutex
	cols int
	rows int
}

// Output returns the process output channel; it is closed after exit.
func (t *Terminal) Output() <-chan []byte { return t.handle.Output() }

// Done is closed once the process has been reaped.
func (t *Terminal) Done() <-chan struct{} { return t.handle.Done() }

// ExitCode returns the process exit status once Done is closed.
func (t *Terminal) ExitCode() int { return t.handle.ExitCode() }

// Size returns the current dimensions.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cols, t.rows
}

func (t *Terminal) setSize(cols, rows int) {
	t.mu.Lock()
	t.cols = cols
	t.rows = rows
	t.mu.Unlock()
}

// Info returns the public representation of the terminal.
func (t *Terminal) Info() Info {
	cols, rows := t.Size()
	return Info{
		ID:        t.ID,
		SessionID: t.SessionID,
		Command:   t.Command,
		Pid:       t.handle.Pid(),
		Cols:      cols,
		Rows:      rows,
		StartedAt: t.StartedAt,
	}
}

// Info is the public representation of a terminal.
type Info struct {
	ID        ID        `json:"id"`
	SessionID SessionID `json:"session_id"`
	Command   string    `json:"command"`
	Pid       int       `json:"pid"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	StartedAt time.Time `json:"started_at"`
}

// Action is an operation dispatched to a terminal.
type Action interface {
	apply(t *Terminal) error
	kind() string
}

// Input writes bytes to the terminal.
type Input []byte

func (in Input) apply(t *Terminal) error { return t.handle.Write(in) }

func (Input) kind() string { return "input" }

// Resize changes the terminal window size.
type Resize struct {
	Cols int
	Rows int
}

func (r Resize) apply(t *Terminal) error {
	if err := t.handle.Resize(r.Cols, r.Rows); err != nil {
		return err
	}
	t.setSize(r.Cols, r.Rows)
	return nil
}

func (Resize) kind() string { return "resize" }

// CreateOptions are the per-terminal overrides of the registry defaults.
type CreateOptions struct {
	Cols int
	Rows int
}

// Registry is the single table of live terminals and the session group that
// tracks which session owns them. Every mutation happens under one lock; no
// process I/O is performed while it is held.
type Registry struct {
	spawner  Spawner
	defaults SpawnOptions
	newID    func() ID
	logger   *zap.Logger
	metrics  Metrics

	mu        sync.RWMutex
	seq       uint64
	terminals map[ID]*Terminal
	sessions  map[SessionID]map[ID]struct{}
}

// NewRegistry creates a registry that spawns terminals with spawner, using
// defaults for everything a create request does not override.
func NewRegistry(spawner Spawner, defaults SpawnOptions, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		spawner:   spawner,
		defaults:  defaults.withDefaults(),
		newID:     func() ID { return ID(uuid.NewString()) },
		logger:    logger.With(zap.String("component", "terminal_registry")),
		metrics:   noopMetrics{},
		terminals: make(map[ID]*Terminal),
		sessions:  make(map[SessionID]map[ID]struct{}),
	}
}

// WithMetrics sets the metrics sink.
func (r *Registry) WithMetrics(m Metrics) *Registry {
	if m != nil {
		r.metrics = m
	}
	return r
}

// WithIDGenerator replaces the UUID generator.
func (r *Registry) WithIDGenerator(fn func() ID) *Registry {
	if fn != nil {
		r.newID = fn
	}
	return r
}

// Create spawns a terminal for sessionID. The terminal is visible in the
// registry and in the session group before Create returns; a reaper removes
// it when its process exits.
func (r *Registry) Create(sessionID SessionID, opts CreateOptions) (*Terminal, error) {
	id := r.newID()

	r.mu.RLock()
	_, exists := r.terminals[id]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrIdentifierCollision, id)
	}

	spawnOpts := r.defaults
	if opts.Cols > 0 {
		spawnOpts.Cols = opts.Cols
	}
	if opts.Rows > 0 {
		spawnOpts.Rows = opts.Rows
	}

	handle, err := r.spawner.Spawn(spawnOpts)
	if err != nil {
		r.metrics.TerminalSpawnFailed()
		r.logger.Warn("Failed to spawn terminal",
			zap.String("session_id", string(sessionID)),
			zap.String("command", spawnOpts.Command),
			zap.Error(err),
		)
		if !errors.Is(err, ErrSpawn) && !errors.Is(err, ErrSpawnThrottled) {
			err = fmt.Errorf("%w: %v", ErrSpawn, err)
		}
		return nil, err
	}

	t := &Terminal{
		ID:        id,
		SessionID: sessionID,
		Command:   spawnOpts.Command,
		StartedAt: time.Now(),
		handle:    handle,
		cols:      spawnOpts.Cols,
		rows:      spawnOpts.Rows,
	}

	r.mu.Lock()
	if _, exists := r.terminals[id]; exists {
		r.mu.Unlock()
		handle.Kill()
		return nil, fmt.Errorf("%w: %s", ErrIdentifierCollision, id)
	}
	r.seq++
	t.seq = r.seq
	r.terminals[id] = t
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[ID]struct{})
		r.sessions[sessionID] = set
	}
	set[id] = struct{}{}
	r.publishLocked()
	r.mu.Unlock()

	r.metrics.TerminalCreated()
	r.logger.Info("Terminal created",
		zap.String("terminal_id", string(id)),
		zap.String("session_id", string(sessionID)),
		zap.Int("pid", handle.Pid()),
		zap.Int("cols", spawnOpts.Cols),
		zap.Int("rows", spawnOpts.Rows),
	)

	go r.reap(t)

	return t, nil
}

// reap removes t once its process is gone.
func (r *Registry) reap(t *Terminal) {
	<-t.handle.Done()
	if r.remove(t.ID, "", ReasonExited) {
		r.logger.Info("Terminal exited",
			zap.String("terminal_id", string(t.ID)),
			zap.String("session_id", string(t.SessionID)),
			zap.Int("exit_code", t.handle.ExitCode()),
		)
	}
}

// Get looks up a terminal.
func (r *Registry) Get(id ID) (*Terminal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.terminals[id]
	return t, ok
}

// Dispatch applies action to terminal id. It fails with ErrUnknownTerminal if
// the terminal does not exist. A terminal whose process turns out to have
// exited is removed and the error wraps ErrProcessExited.
func (r *Registry) Dispatch(id ID, action Action) error {
	t, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%s %s: %w", action.kind(), id, ErrUnknownTerminal)
	}
	return r.apply(t, action)
}

// DispatchOwned is Dispatch restricted to terminals owned by sessionID.
// Terminals of other sessions are reported as unknown.
func (r *Registry) DispatchOwned(sessionID SessionID, id ID, action Action) error {
	t, ok := r.Get(id)
	if !ok || t.SessionID != sessionID {
		return fmt.Errorf("%s %s: %w", action.kind(), id, ErrUnknownTerminal)
	}
	return r.apply(t, action)
}

func (r *Registry) apply(t *Terminal, action Action) error {
	err := action.apply(t)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProcessExited) {
		r.remove(t.ID, "", ReasonIOError)
	}
	return fmt.Errorf("%s %s: %w", action.kind(), t.ID, err)
}

// Remove kills terminal id and deletes it from the registry and its session.
// Removing an unknown ID is a no-op and returns false.
func (r *Registry) Remove(id ID) bool {
	return r.remove(id, "", ReasonClosed)
}

// RemoveOwned is Remove restricted to terminals owned by sessionID.
func (r *Registry) RemoveOwned(sessionID SessionID, id ID) bool {
	return r.remove(id, sessionID, ReasonClosed)
}

func (r *Registry) remove(id ID, owner SessionID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.terminals[id]
	if !ok || (owner != "" && t.SessionID != owner) {
		return false
	}
	delete(r.terminals, id)
	if set, ok := r.sessions[t.SessionID]; ok {
		delete(set, id)
	}
	t.handle.Kill()
	r.publishLocked()
	r.metrics.TerminalRemoved(reason)
	return true
}

// CloseSession kills and removes every terminal owned by sessionID, then
// forgets the session. It returns the number of terminals removed.
func (r *Registry) CloseSession(sessionID SessionID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sessions[sessionID]
	if !ok {
		return 0
	}

	removed := 0
	for id := range set {
		t, ok := r.terminals[id]
		if !ok {
			continue
		}
		delete(r.terminals, id)
		t.handle.Kill()
		r.metrics.TerminalRemoved(ReasonSession)
		removed++
	}
	delete(r.sessions, sessionID)
	r.publishLocked()

	r.logger.Info("Session closed",
		zap.String("session_id", string(sessionID)),
		zap.Int("terminals_removed", removed),
	)
	return removed
}

// Shutdown closes every session.
func (r *Registry) Shutdown() int {
	removed := 0
	for _, sessionID := range r.Sessions() {
		removed += r.CloseSession(sessionID)
	}
	return removed
}

// Terminals returns the IDs owned by sessionID, oldest first.
func (r *Registry) Terminals(sessionID SessionID) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.sessions[sessionID]
	owned := make([]*Terminal, 0, len(set))
	for id := range set {
		if t, ok := r.terminals[id]; ok {
			owned = append(owned, t)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq < owned[j].seq })

	ids := make([]ID, len(owned))
	for i, t := range owned {
		ids[i] = t.ID
	}
	return ids
}

// Sessions returns the IDs of all known sessions.
func (r *Registry) Sessions() []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live terminals.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terminals)
}

// List returns info for every live terminal, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	live := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		live = append(live, t)
	}
	r.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	infos := make([]Info, len(live))
	for i, t := range live {
		infos[i] = t.Info()
	}
	return infos
}

// Snapshot returns the session group as session -> owned IDs.
func (r *Registry) Snapshot() map[SessionID][]ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[SessionID][]ID, len(r.sessions))
	for sessionID, set := range r.sessions {
		ids := make([]ID, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snap[sessionID] = ids
	}
	return snap
}

// publishLocked reports gauge values; r.mu must be held.
func (r *Registry) publishLocked() {
	r.metrics.SetTerminalsActive(len(r.terminals), len(r.sessions))
}
