// Package device serves the WebSocket endpoint the smart-glasses platform
// connects to.
//
// Each connection starts with a connection_init text frame naming the
// session; the server answers with connection_ack and hands a [Session] to the
// application. Afterwards binary frames carry microphone PCM, and text frames
// carry JSON events (battery, dashboard view). Dashboard writes travel back as
// dashboard_content_update frames.
package device

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// initTimeout bounds the wait for the connection_init frame.
	initTimeout = 10 * time.Second

	// readLimit caps a single frame. One second of 48kHz stereo PCM is 192KiB.
	readLimit = 1 << 20
)

// Sessions receives established device sessions.
type Sessions interface {
	// Open starts serving s. An error rejects the connection.
	Open(ctx context.Context, s *Session) error

	// Close is called once the connection of s has ended. A newer session may
	// already have taken over the same id.
	Close(s *Session)
}

// Option configures a [Handler].
type Option func(*Handler)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithInitTimeout overrides how long a new connection may take to send
// connection_init. Default: 10s.
func WithInitTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.initTimeout = d
		}
	}
}

// Handler authenticates device connections and runs their sessions.
type Handler struct {
	packageName string
	apiKey      string
	sessions    Sessions
	log         *slog.Logger
	initTimeout time.Duration
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a handler accepting connections for packageName that
// present apiKey as a bearer token.
func NewHandler(packageName, apiKey string, sessions Sessions, opts ...Option) *Handler {
	h := &Handler{
		packageName: packageName,
		apiKey:      apiKey,
		sessions:    sessions,
		log:         slog.Default(),
		initTimeout: initTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP implements [http.Handler]. It blocks for the lifetime of the
// session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="earshot"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.URL.Query().Get("package") != h.packageName {
		http.Error(w, "unknown package", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	sess, err := h.handshake(r.Context(), conn)
	if err != nil {
		h.log.Warn("device handshake failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "connection_init required")
		return
	}
	defer sess.Close()

	if err := h.sessions.Open(sess.Context(), sess); err != nil {
		sess.log.Error("failed to open session", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	defer h.sessions.Close(sess)

	sess.log.Info("device connected", "user_id", sess.UserID())
	if err := sess.readLoop(); err != nil {
		sess.log.Warn("device connection lost", "err", err)
		return
	}
	sess.log.Info("device disconnected")
}

// authorized checks the bearer token in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) == 1
}

// handshake waits for connection_init and acknowledges it.
func (h *Handler) handshake(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	readCtx, cancel := context.WithTimeout(ctx, h.initTimeout)
	defer cancel()

	typ, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("device: read connection_init: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("device: first frame must be text")
	}
	var init connectionInit
	if err := json.Unmarshal(data, &init); err != nil {
		return nil, fmt.Errorf("device: decode connection_init: %w", err)
	}
	if init.Type != TypeConnectionInit {
		return nil, fmt.Errorf("device: expected %s, got %q", TypeConnectionInit, init.Type)
	}
	if init.SessionID == "" {
		init.SessionID = uuid.NewString()
	}

	sess := newSession(ctx, init.SessionID, init.UserID, conn, h.log)
	if err := sess.send(ctx, connectionAck{Type: TypeConnectionAck, SessionID: sess.ID()}); err != nil {
		sess.cancel()
		return nil, err
	}
	return sess, nil
}
