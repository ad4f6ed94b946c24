package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/presentation"
)

// ErrClosed is returned when writing to a session whose connection is gone.
var ErrClosed = errors.New("device: session closed")

// writeTimeout bounds a single frame write to the device.
const writeTimeout = 5 * time.Second

var _ presentation.Display = (*Session)(nil)

// Session is one connected pair of glasses. It implements
// [presentation.Display] and dispatches incoming events to registered
// handlers. Handlers run on the session's read goroutine and must not block.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onAudio   []func([]byte)
	onBattery func(Battery)
	onMode    func(Mode)
	closed    bool
}

func newSession(ctx context.Context, id, userID string, conn *websocket.Conn, log *slog.Logger) *Session {
	s := &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		log:    observe.SessionLogger(ctx, log, id),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// ID returns the platform session id.
func (s *Session) ID() string { return s.id }

// UserID returns the wearer's id, which may be empty.
func (s *Session) UserID() string { return s.userID }

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Logger returns a logger carrying the session id.
func (s *Session) Logger() *slog.Logger { return s.log }

// OnAudioChunk registers fn for every microphone chunk.
func (s *Session) OnAudioChunk(fn func(chunk []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAudio = append(s.onAudio, fn)
}

// OnBattery sets the battery report handler.
func (s *Session) OnBattery(fn func(Battery)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBattery = fn
}

// OnModeChange sets the dashboard view handler.
func (s *Session) OnModeChange(fn func(Mode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMode = fn
}

// Subscribe asks the platform to start streaming the named event types.
func (s *Session) Subscribe(ctx context.Context, streams ...string) error {
	return s.send(ctx, subscriptionUpdate{Type: TypeSubscriptionUpdate, Subscriptions: streams})
}

// WriteToMain implements [presentation.Display].
func (s *Session) WriteToMain(ctx context.Context, text string) error {
	return s.send(ctx, dashboardUpdate{Type: TypeDashboardUpdate, Target: ModeMain, Text: text})
}

// WriteToExpanded implements [presentation.Display].
func (s *Session) WriteToExpanded(ctx context.Context, text string) error {
	return s.send(ctx, dashboardUpdate{Type: TypeDashboardUpdate, Target: ModeExpanded, Text: text})
}

// Close ends the session with a normal closure. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Close before cancelling: a cancelled read context makes the library
	// abort the connection with a policy violation.
	err := s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.cancel()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send marshals v and writes it as a text frame.
func (s *Session) send(ctx context.Context, v any) error {
	if s.isClosed() || s.ctx.Err() != nil {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("device: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("device: write: %w", err)
	}
	return nil
}

// readLoop dispatches frames until the connection fails or the session is
// closed. It returns the read error, or nil on a normal closure.
func (s *Session) readLoop() error {
	defer s.cancel()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ == websocket.MessageBinary {
			s.dispatchAudio(data)
			continue
		}
		s.handleText(data)
	}
}

func (s *Session) handleText(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("ignoring malformed device message", "err", err)
		return
	}

	switch env.Type {
	case TypeAudioChunk:
		var msg audioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("ignoring undecodable audio chunk", "err", err)
			return
		}
		s.dispatchAudio(msg.Data)

	case TypeBattery:
		var msg batteryUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("ignoring malformed battery update", "err", err)
			return
		}
		s.log.Info("glasses battery", "level", msg.Level, "charging", msg.Charging)
		s.mu.Lock()
		fn := s.onBattery
		s.mu.Unlock()
		if fn != nil {
			fn(msg.Battery)
		}

	case TypeModeChange:
		var msg modeChange
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("ignoring malformed mode change", "err", err)
			return
		}
		s.log.Debug("dashboard mode changed", "mode", msg.Mode)
		s.mu.Lock()
		fn := s.onMode
		s.mu.Unlock()
		if fn != nil {
			fn(msg.Mode)
		}

	default:
		s.log.Debug("ignoring device message", "type", env.Type)
	}
}

func (s *Session) dispatchAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	handlers := s.onAudio
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(chunk)
	}
}
