package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/webshell/internal/auth"
	"github.com/GriffinCanCode/webshell/internal/bridge"
	"github.com/GriffinCanCode/webshell/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webshell/internal/shared/id"
	"github.com/GriffinCanCode/webshell/internal/terminal"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultPingInterval    = 30 * time.Second
	writeWait              = 10 * time.Second
)

// Options configures a Handler.
type Options struct {
	Validator auth.Validator
	// Logout ends a login session. It is called when a client logs out over
	// the socket; the hub then closes the session's other connections.
	Logout func(token string) bool

	Registry bridge.Registry
	Hub      *bridge.Hub
	// Metrics may be nil.
	Metrics *monitoring.Metrics

	// AllowedOrigins lists cross-origin pages allowed to connect. Same-host
	// origins are always allowed.
	AllowedOrigins []string

	ReadyDelay      time.Duration
	QueueSize       int
	MaxMessageBytes int64
	PingInterval    time.Duration

	// Context bounds every connection; cancelling it closes them with 1001.
	Context context.Context
	Logger  *zap.Logger
}

// Handler upgrades authenticated requests and serves each connection with a
// bridge.
type Handler struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(opts Options) *Handler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Hub == nil {
		opts.Hub = bridge.NewHub()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{opts: opts, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// HandleConnection authenticates the request, upgrades it and runs a bridge
// until the connection ends.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	ident, err := h.opts.Validator.Validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No session"})
		return
	}

	// The subprotocol is only a client label; echo the first one offered.
	var header http.Header
	label := ""
	if protocols := websocket.Subprotocols(c.Request); len(protocols) > 0 {
		label = protocols[0]
		header = http.Header{"Sec-WebSocket-Protocol": {label}}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageBytes)
	pongWait := h.opts.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connID := id.NewConnID()
	sessionID := terminal.SessionID(id.NewSessionID())
	logger := h.logger.With(
		zap.String("conn_id", string(connID)),
		zap.String("session_id", string(sessionID)),
	)

	opts := bridge.Options{
		ConnID:      string(connID),
		SessionID:   sessionID,
		Principal:   ident.Username,
		AuthToken:   token,
		ClientLabel: label,
		ReadyDelay:  h.opts.ReadyDelay,
		QueueSize:   h.opts.QueueSize,
		OnLogout:    h.logout,
		Logger:      logger,
	}
	if h.opts.Metrics != nil {
		opts.Metrics = h.opts.Metrics
		h.opts.Metrics.IncWSConnections()
		defer h.opts.Metrics.DecWSConnections()
	}

	b := bridge.New(&transport{conn: conn}, h.opts.Registry, opts)
	h.opts.Hub.Add(b)
	defer h.opts.Hub.Remove(b.ConnID())

	go h.keepalive(conn, b.Done())

	if err := b.Run(h.opts.Context); err != nil {
		logger.Warn("Connection ended with error", zap.Error(err))
	}
}

func (h *Handler) logout(token string) {
	if h.opts.Logout != nil {
		h.opts.Logout(token)
	}
	h.opts.Hub.CloseToken(token)
}

// keepalive pings the client until done. The pong handler extends the read
// deadline, so a client that stops answering fails the next read.
func (h *Handler) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if !strings.EqualFold(u.Host, r.Host) {
		h.logger.Warn("Rejected cross-origin WebSocket", zap.String("origin", origin))
		return false
	}
	return true
}

// transport bounds every data write with a deadline.
type transport struct {
	conn *websocket.Conn
}

func (t *transport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *transport) WriteMessage(messageType int, data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(messageType, data)
}

func (t *transport) Close() error {
	return t.conn.Close()
}
