package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webshell/internal/terminal"
)

// State is the lifecycle state of a Bridge.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	DefaultReadyDelay = 100 * time.Millisecond
	DefaultQueueSize  = 256

	writerDrainTimeout = time.Second
)

// Transport is the message connection a Bridge serves. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Registry is the part of the terminal registry a Bridge uses.
type Registry interface {
	Create(sessionID terminal.SessionID, opts terminal.CreateOptions) (*terminal.Terminal, error)
	DispatchOwned(sessionID terminal.SessionID, id terminal.ID, action terminal.Action) error
	RemoveOwned(sessionID terminal.SessionID, id terminal.ID) bool
	CloseSession(sessionID terminal.SessionID) int
}

// Metrics receives message counters.
type Metrics interface {
	RecordWSMessage(direction, kind string)
	OutboundDropped()
}

type noopMetrics struct{}

func (noopMetrics) RecordWSMessage(string, string) {}
func (noopMetrics) OutboundDropped()               {}

// Options configures a Bridge.
type Options struct {
	ConnID    string
	SessionID terminal.SessionID
	// Principal is the authenticated user name.
	Principal string
	// AuthToken is the credential the connection was authenticated with.
	AuthToken string
	// ClientLabel is the subprotocol value the client offered, if any.
	ClientLabel string

	ReadyDelay time.Duration
	QueueSize  int

	// OnLogout is called when the client sends a logout message.
	OnLogout func(token string)

	Logger  *zap.Logger
	Metrics Metrics
}

type frame struct {
	kind string
	data []byte
}

// Bridge routes messages between one transport connection and the terminals
// of its session.
type Bridge struct {
	conn     Transport
	registry Registry
	opts     Options
	logger   *zap.Logger
	metrics  Metrics

	state atomic.Int32

	out        chan frame
	closed     chan struct{}
	closeOnce  sync.Once
	closeCode  int
	closeText  string
	writerDone chan struct{}
	finished   chan struct{}

	mu    sync.Mutex
	owned []terminal.ID
	ready *time.Timer
}

// New creates a bridge for an authenticated connection.
func New(conn Transport, registry Registry, opts Options) *Bridge {
	if opts.ReadyDelay < 0 {
		opts.ReadyDelay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	b := &Bridge{
		conn:     conn,
		registry: registry,
		opts:     opts,
		logger: opts.Logger.With(
			zap.String("conn_id", opts.ConnID),
			zap.String("session_id", string(opts.SessionID)),
		),
		metrics:    opts.Metrics,
		out:        make(chan frame, opts.QueueSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
		finished:   make(chan struct{}),
	}
	b.state.Store(int32(StateAuthenticated))
	return b
}

// ConnID returns the connection identifier.
func (b *Bridge) ConnID() string { return b.opts.ConnID }

// SessionID returns the session owning this bridge's terminals.
func (b *Bridge) SessionID() terminal.SessionID { return b.opts.SessionID }

// AuthToken returns the token the connection was authenticated with.
func (b *Bridge) AuthToken() string { return b.opts.AuthToken }

// State returns the current lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Done is closed when Run has returned and the session is cleaned up.
func (b *Bridge) Done() <-chan struct{} { return b.finished }

// Terminals returns the live terminals of this connection, oldest first.
func (b *Bridge) Terminals() []terminal.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]terminal.ID(nil), b.owned...)
}

// Run serves the connection until the transport closes, the client sends a
// malformed frame or logs out, or ctx is cancelled. Every terminal of the
// session is killed before Run returns. A clean shutdown returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateAuthenticated), int32(StateActive)) {
		return ErrClosed
	}
	defer close(b.finished)

	go b.writeLoop()

	stop := context.AfterFunc(ctx, func() {
		b.CloseWith(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	b.logger.Info("Bridge active",
		zap.String("principal", b.opts.Principal),
		zap.String("client_label", b.opts.ClientLabel),
	)

	b.provision()

	err := b.readLoop()
	b.teardown()
	return err
}

// provision creates the default terminal and schedules the ready message.
func (b *Bridge) provision() {
	t, err := b.create(Dimensions{})
	if err != nil {
		b.reportCreateError(err)
		return
	}

	id := string(t.ID)
	sendReady := func() { b.send(Outbound{Type: TypeReady, TerminalID: id}) }
	if b.opts.ReadyDelay == 0 {
		sendReady()
		return
	}
	b.mu.Lock()
	b.ready = time.AfterFunc(b.opts.ReadyDelay, sendReady)
	b.mu.Unlock()
}

func (b *Bridge) readLoop() error {
	for {
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.State() == StateClosed ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		// Teardown has begun; nothing more is routed.
		if b.State() == StateClosed {
			return nil
		}

		switch msgType {
		case websocket.TextMessage:
			msg, err := DecodeInbound(data)
			switch {
			case errors.Is(err, ErrProtocol):
				b.metrics.RecordWSMessage("in", "malformed")
				b.logger.Warn("Closing connection after malformed frame", zap.Error(err))
				b.CloseWith(websocket.CloseInvalidFramePayloadData, "malformed message")
				return err
			case err != nil:
				b.metrics.RecordWSMessage("in", "malformed")
				b.logger.Debug("Dropping malformed message", zap.Error(err))
				continue
			}
			b.handle(msg)
		case websocket.BinaryMessage:
			// Raw keystrokes for the default terminal.
			b.metrics.RecordWSMessage("in", TypeInput)
			b.dispatch("", terminal.Input(data), TypeInput)
		}
	}
}

func (b *Bridge) handle(msg Inbound) {
	switch msg.Type {
	case TypeInput, TypeResize, TypeCreateTerminal, TypeCloseTerminal, TypePing, TypeLogout:
		b.metrics.RecordWSMessage("in", msg.Type)
	default:
		b.metrics.RecordWSMessage("in", "unknown")
		b.logger.Debug("Dropping message of unknown type", zap.String("type", msg.Type))
		return
	}

	switch msg.Type {
	case TypeInput:
		text, err := msg.Text()
		if err != nil {
			b.logger.Debug("Dropping malformed input", zap.Error(err))
			return
		}
		b.dispatch(msg.Target(), terminal.Input(text), msg.Type)

	case TypeResize:
		dims, err := msg.Dimensions()
		if err != nil || !dims.Valid() {
			b.logger.Debug("Dropping malformed resize", zap.Error(err), zap.Any("dimensions", dims))
			return
		}
		b.dispatch(msg.Target(), terminal.Resize{Cols: dims.Cols, Rows: dims.Rows}, msg.Type)

	case TypeCreateTerminal:
		dims, err := msg.Dimensions()
		if err != nil {
			b.logger.Debug("Ignoring malformed create_terminal dimensions", zap.Error(err))
			dims = Dimensions{}
		}
		t, err := b.create(dims)
		if err != nil {
			b.reportCreateError(err)
			return
		}
		b.send(Outbound{Type: TypeTerminalCreated, TerminalID: string(t.ID)})

	case TypeCloseTerminal:
		id := msg.Target()
		if id == "" || !b.registry.RemoveOwned(b.opts.SessionID, terminal.ID(id)) {
			b.logger.Debug("close_terminal for unknown terminal", zap.String("terminal_id", id))
			b.send(Outbound{
				Type:       TypeError,
				TerminalID: id,
				Reason:     ReasonUnknownTerminal,
				Message:    terminal.ErrUnknownTerminal.Error(),
			})
		}
		// The forwarder reports the exit.

	case TypePing:
		b.send(Outbound{Type: TypePong})

	case TypeLogout:
		b.logger.Info("Client logged out")
		b.CloseWith(websocket.CloseNormalClosure, "logged out")
		if b.opts.OnLogout != nil {
			b.opts.OnLogout(b.opts.AuthToken)
		}
	}
}

// dispatch routes action to target, or to the default terminal when target
// is empty. Failures are logged and dropped.
func (b *Bridge) dispatch(target string, action terminal.Action, kind string) {
	id := terminal.ID(target)
	if id == "" {
		var ok bool
		if id, ok = b.defaultTerminal(); !ok {
			b.logger.Debug("No terminal to route message to", zap.String("type", kind))
			return
		}
	}

	err := b.registry.DispatchOwned(b.opts.SessionID, id, action)
	switch {
	case err == nil:
	case errors.Is(err, terminal.ErrUnknownTerminal), errors.Is(err, terminal.ErrProcessExited):
		b.logger.Debug("Dropping message for unavailable terminal",
			zap.String("type", kind),
			zap.String("terminal_id", string(id)),
			zap.Error(err),
		)
	case errors.Is(err, terminal.ErrInputOverflow):
		b.logger.Warn("Dropping input for terminal that is not reading",
			zap.String("terminal_id", string(id)),
			zap.Error(err),
		)
	default:
		b.logger.Warn("Failed to dispatch message",
			zap.String("type", kind),
			zap.String("terminal_id", string(id)),
			zap.Error(err),
		)
	}
}

func (b *Bridge) defaultTerminal() (terminal.ID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.owned) == 0 {
		return "", false
	}
	return b.owned[len(b.owned)-1], true
}

// create spawns a terminal for this session and starts forwarding its output.
// Only the read loop calls it, so no create can follow teardown.
func (b *Bridge) create(dims Dimensions) (*terminal.Terminal, error) {
	if b.State() == StateClosed {
		return nil, ErrClosed
	}

	t, err := b.registry.Create(b.opts.SessionID, terminal.CreateOptions{Cols: dims.Cols, Rows: dims.Rows})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.owned = append(b.owned, t.ID)
	b.mu.Unlock()

	go b.forward(t)
	return t, nil
}

func (b *Bridge) reportCreateError(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	reason := ReasonSpawn
	if errors.Is(err, terminal.ErrSpawnThrottled) {
		reason = ReasonThrottled
	}
	b.logger.Warn("Failed to create terminal", zap.Error(err))
	b.send(Outbound{Type: TypeError, Reason: reason, Message: err.Error()})
}

// forward relays one terminal's output in order, then its exit.
func (b *Bridge) forward(t *terminal.Terminal) {
	id := string(t.ID)

	var carry []byte
	for chunk := range t.Output() {
		buf := make([]byte, 0, len(carry)+len(chunk))
		buf = append(buf, carry...)
		buf = append(buf, chunk...)

		var head []byte
		head, carry = splitIncompleteUTF8(buf)
		if len(head) > 0 {
			b.send(Outbound{Type: TypeOutput, TerminalID: id, Data: string(head)})
		}
	}
	if len(carry) > 0 {
		b.send(Outbound{Type: TypeOutput, TerminalID: id, Data: string(carry)})
	}

	<-t.Done()
	b.forget(t.ID)

	code := t.ExitCode()
	b.send(Outbound{Type: TypeExit, TerminalID: id, Code: &code})
}

func (b *Bridge) forget(id terminal.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, owned := range b.owned {
		if owned == id {
			b.owned = append(b.owned[:i], b.owned[i+1:]...)
			return
		}
	}
}

// send queues msg for the writer. Once the bridge is closed messages are
// dropped instead of blocking the caller.
func (b *Bridge) send(msg Outbound) {
	select {
	case <-b.closed:
		b.metrics.OutboundDropped()
		return
	default:
	}

	data, err := EncodeOutbound(msg)
	if err != nil {
		b.logger.Error("Failed to encode message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	select {
	case b.out <- frame{kind: msg.Type, data: data}:
	case <-b.closed:
		b.metrics.OutboundDropped()
	}
}

// writeLoop is the only writer of data frames.
func (b *Bridge) writeLoop() {
	defer close(b.writerDone)

	for {
		select {
		case f := <-b.out:
			if err := b.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				b.logger.Debug("Write failed", zap.Error(err))
				b.CloseWith(websocket.CloseAbnormalClosure, "")
				_ = b.conn.Close()
				return
			}
			b.metrics.RecordWSMessage("out", f.kind)
		case <-b.closed:
			if b.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(b.closeCode, b.closeText)
				_ = b.conn.WriteMessage(websocket.CloseMessage, msg)
			}
			_ = b.conn.Close()
			return
		}
	}
}

// Close closes the connection normally.
func (b *Bridge) Close() {
	b.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith moves the bridge to StateClosed and closes the transport with
// code. Only the first call has an effect. Cleanup of the session happens in
// Run.
func (b *Bridge) CloseWith(code int, text string) {
	b.closeOnce.Do(func() {
		b.closeCode = code
		b.closeText = text
		b.state.Store(int32(StateClosed))
		close(b.closed)

		b.mu.Lock()
		if b.ready != nil {
			b.ready.Stop()
		}
		b.mu.Unlock()
	})
}

func (b *Bridge) teardown() {
	b.CloseWith(websocket.CloseNormalClosure, "")
	removed := b.registry.CloseSession(b.opts.SessionID)

	select {
	case <-b.writerDone:
	case <-time.After(writerDrainTimeout):
		_ = b.conn.Close()
	}

	b.logger.Info("Bridge closed", zap.Int("terminals_removed", removed))
}
