package terminal_test

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webshell/internal/terminal"
	"github.com/GriffinCanCode/webshell/internal/terminal/terminaltest"
)

func newRegistry(t *testing.T) (*terminal.Registry, *terminaltest.Spawner) {
	t.Helper()
	spawner := &terminaltest.Spawner{}
	reg := terminal.NewRegistry(spawner, terminal.SpawnOptions{Command: "fake"}, nil)
	return reg, spawner
}

// assertConsistent checks that the registry and the session group hold
// exactly the same identifiers.
func assertConsistent(t *testing.T, reg *terminal.Registry) {
	t.Helper()

	var grouped []string
	for _, ids := range reg.Snapshot() {
		for _, id := range ids {
			grouped = append(grouped, string(id))
		}
	}
	var live []string
	for _, info := range reg.List() {
		live = append(live, string(info.ID))
	}
	sort.Strings(grouped)
	sort.Strings(live)
	assert.Equal(t, live, grouped)
}

func TestCreateRegistersInSession(t *testing.T) {
	reg, spawner := newRegistry(t)

	term, err := reg.Create("sess-a", terminal.CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	got, ok := reg.Get(term.ID)
	require.True(t, ok)
	assert.Same(t, term, got)
	assert.Equal(t, []terminal.ID{term.ID}, reg.Terminals("sess-a"))

	cols, rows := term.Size()
	assert.Equal(t, 80, cols)
	assert.Equal(t, 24, rows)

	h := spawner.Last()
	require.NotNil(t, h)
	assert.Equal(t, "fake", h.Opts.Command)
	assert.Equal(t, 80, h.Opts.Cols)
	assert.Equal(t, 24, h.Opts.Rows)
}

func TestCreateUsesDefaults(t *testing.T) {
	reg, spawner := newRegistry(t)

	_, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	h := spawner.Last()
	assert.Equal(t, terminal.DefaultCols, h.Opts.Cols)
	assert.Equal(t, terminal.DefaultRows, h.Opts.Rows)
	assert.Equal(t, terminal.DefaultTermName, h.Opts.TermName)
}

func TestCreateTwiceGivesDistinctIDs(t *testing.T) {
	reg, _ := newRegistry(t)

	t1, err := reg.Create("sess-a", terminal.CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)
	t2, err := reg.Create("sess-a", terminal.CreateOptions{Cols: 80, Rows: 24})
	require.NoError(t, err)

	assert.NotEqual(t, t1.ID, t2.ID)
	assert.Equal(t, []terminal.ID{t1.ID, t2.ID}, reg.Terminals("sess-a"))
	assert.Equal(t, 2, reg.Len())
}

func TestCreateSpawnFailure(t *testing.T) {
	spawner := &terminaltest.Spawner{Err: errors.New("exec: \"nope\": executable file not found in $PATH")}
	reg := terminal.NewRegistry(spawner, terminal.SpawnOptions{Command: "nope"}, nil)

	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	assert.Nil(t, term)
	assert.ErrorIs(t, err, terminal.ErrSpawn)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Sessions())
}

func TestCreateSpawnFailureWithMock(t *testing.T) {
	spawner := new(terminaltest.MockSpawner)
	spawner.On("Spawn", mock.MatchedBy(func(o terminal.SpawnOptions) bool {
		return o.Command == "claude" && o.Cols == 100
	})).Return(nil, fmt.Errorf("%w: permission denied", terminal.ErrSpawn)).Once()

	reg := terminal.NewRegistry(spawner, terminal.SpawnOptions{Command: "claude"}, nil)

	_, err := reg.Create("sess-a", terminal.CreateOptions{Cols: 100, Rows: 40})
	assert.ErrorIs(t, err, terminal.ErrSpawn)
	spawner.AssertExpectations(t)
}

func TestIdentifierCollision(t *testing.T) {
	reg, spawner := newRegistry(t)
	reg.WithIDGenerator(func() terminal.ID { return "same" })

	_, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	_, err = reg.Create("sess-b", terminal.CreateOptions{})
	assert.ErrorIs(t, err, terminal.ErrIdentifierCollision)
	assert.Len(t, spawner.Handles(), 1)
	assert.Equal(t, 1, reg.Len())
	assertConsistent(t, reg)
}

func TestDispatchInputAndResize(t *testing.T) {
	reg, spawner := newRegistry(t)
	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)
	h := spawner.Last()

	require.NoError(t, reg.Dispatch(term.ID, terminal.Input("ls\n")))
	assert.Equal(t, "ls\n", h.Written())

	require.NoError(t, reg.Dispatch(term.ID, terminal.Resize{Cols: 100, Rows: 50}))
	cols, rows := h.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 50, rows)
	cols, rows = term.Size()
	assert.Equal(t, 100, cols)
	assert.Equal(t, 50, rows)
}

func TestDispatchUnknownTerminal(t *testing.T) {
	reg, spawner := newRegistry(t)
	other, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	err = reg.Dispatch("never-created", terminal.Input("x"))
	assert.ErrorIs(t, err, terminal.ErrUnknownTerminal)

	// The other terminal is untouched.
	_, ok := reg.Get(other.ID)
	assert.True(t, ok)
	assert.Empty(t, spawner.Last().Written())
	assert.Zero(t, spawner.Last().Kills())
}

func TestDispatchOwnedRejectsOtherSessions(t *testing.T) {
	reg, spawner := newRegistry(t)
	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	err = reg.DispatchOwned("sess-b", term.ID, terminal.Input("whoami\n"))
	assert.ErrorIs(t, err, terminal.ErrUnknownTerminal)
	assert.Empty(t, spawner.Last().Written())

	assert.False(t, reg.RemoveOwned("sess-b", term.ID))
	assert.True(t, reg.RemoveOwned("sess-a", term.ID))
}

func TestDispatchToExitedProcessRemovesIt(t *testing.T) {
	reg, spawner := newRegistry(t)
	// The reaper races with the dispatch; either path removes the terminal.
	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)
	h := spawner.Last()
	h.Exit(0)

	err = reg.Dispatch(term.ID, terminal.Input("x"))
	if err != nil {
		assert.True(t,
			errors.Is(err, terminal.ErrProcessExited) || errors.Is(err, terminal.ErrUnknownTerminal),
			"unexpected error: %v", err)
	}

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(term.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assertConsistent(t, reg)
}

func TestProcessExitRemovesTerminal(t *testing.T) {
	reg, spawner := newRegistry(t)
	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	spawner.Last().Exit(3)

	assert.Eventually(t, func() bool {
		_, ok := reg.Get(term.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, reg.Terminals("sess-a"))
	assert.Equal(t, 3, term.ExitCode())
	assertConsistent(t, reg)
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg, spawner := newRegistry(t)
	term, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	assert.True(t, reg.Remove(term.ID))
	assert.False(t, reg.Remove(term.ID))
	assert.False(t, reg.Remove("never-created"))

	assert.True(t, spawner.Last().Exited())
	assert.Empty(t, reg.Terminals("sess-a"))
	assertConsistent(t, reg)
}

func TestCloseSessionKillsEverything(t *testing.T) {
	reg, spawner := newRegistry(t)

	t1, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)
	t2, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)
	keep, err := reg.Create("sess-b", terminal.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, reg.CloseSession("sess-a"))

	for _, id := range []terminal.ID{t1.ID, t2.ID} {
		err := reg.Dispatch(id, terminal.Input("x"))
		assert.ErrorIs(t, err, terminal.ErrUnknownTerminal)
	}
	handles := spawner.Handles()
	assert.True(t, handles[0].Exited())
	assert.True(t, handles[1].Exited())
	assert.False(t, handles[2].Exited())

	_, ok := reg.Get(keep.ID)
	assert.True(t, ok)
	assert.Equal(t, []terminal.SessionID{"sess-b"}, reg.Sessions())
	assert.Zero(t, reg.CloseSession("sess-a"))
	assertConsistent(t, reg)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	reg, _ := newRegistry(t)
	for _, s := range []terminal.SessionID{"a", "b", "c"} {
		_, err := reg.Create(s, terminal.CreateOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, reg.Shutdown())
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.Sessions())
}

func TestConcurrentCreateRemoveStaysConsistent(t *testing.T) {
	reg, _ := newRegistry(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			session := terminal.SessionID(fmt.Sprintf("sess-%d", w%3))
			for i := 0; i < 50; i++ {
				term, err := reg.Create(session, terminal.CreateOptions{})
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				switch i % 3 {
				case 0:
					reg.Remove(term.ID)
				case 1:
					_ = reg.Dispatch(term.ID, terminal.Input("x"))
				case 2:
					reg.CloseSession(session)
				}
			}
		}(w)
	}
	wg.Wait()

	assertConsistent(t, reg)
	reg.Shutdown()
	assert.Zero(t, reg.Len())
}

type countingMetrics struct {
	mu        sync.Mutex
	created   int
	failed    int
	removed   map[string]int
	terminals int
	sessions  int
}

func (m *countingMetrics) TerminalCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *countingMetrics) TerminalSpawnFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *countingMetrics) TerminalRemoved(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed == nil {
		m.removed = make(map[string]int)
	}
	m.removed[reason]++
}

func (m *countingMetrics) SetTerminalsActive(terminals, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals = terminals
	m.sessions = sessions
}

func TestRegistryReportsMetrics(t *testing.T) {
	reg, _ := newRegistry(t)
	metrics := &countingMetrics{}
	reg.WithMetrics(metrics)

	t1, err := reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)
	_, err = reg.Create("sess-a", terminal.CreateOptions{})
	require.NoError(t, err)

	metrics.mu.Lock()
	assert.Equal(t, 2, metrics.created)
	assert.Equal(t, 2, metrics.terminals)
	assert.Equal(t, 1, metrics.sessions)
	metrics.mu.Unlock()

	reg.Remove(t1.ID)
	reg.CloseSession("sess-a")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.removed[terminal.ReasonClosed])
	assert.Equal(t, 1, metrics.removed[terminal.ReasonSession])
	assert.Zero(t, metrics.terminals)
	assert.Zero(t, metrics.sessions)
}
