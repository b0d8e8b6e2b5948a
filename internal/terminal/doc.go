// Package terminal owns the pseudo-terminal backed processes of the web shell.
//
// It is made of three layers:
//   - Handle / Process: one OS process attached to a PTY (creack/pty), with a
//     buffered input queue, an ordered output channel and an idempotent Kill.
//   - GuardedSpawner: a circuit breaker in front of process creation so a
//     broken command cannot turn every reconnect into a fork storm.
//   - Registry: the single table of live terminals keyed by terminal ID,
//     plus the session group used for cascade cleanup when a connection ends.
//
// Lifecycle:
//
//	reg := terminal.NewRegistry(terminal.NewGuardedSpawner(terminal.PTYSpawner{}, 5, 30*time.Second), defaults, logger)
//	t, err := reg.Create("sess_01H...", terminal.CreateOptions{Cols: 80, Rows: 24})
//	for chunk := range t.Output() { ... }            // closed once the process is gone
//	reg.Dispatch(t.ID, terminal.Input("ls\n"))
//	reg.Dispatch(t.ID, terminal.Resize{Cols: 120, Rows: 40})
//	reg.CloseSession("sess_01H...")                  // kills every terminal of the session
//
// Terminal output is treated as an opaque byte stream; no escape sequence is
// interpreted here.
package terminal
