package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultKeepAlive      = 30 * time.Second
	DefaultWriteWait      = 10 * time.Second
	DefaultSendBuffer     = 64
	DefaultMaxMessageSize = 64 * 1024
)

// ErrSlowConsumer marks a sink whose outbound buffer overflowed.
var ErrSlowConsumer = errors.New("slow consumer")

// WebsocketConfig configures a WebsocketSink. Zero values select defaults.
type WebsocketConfig struct {
	// KeepAlive is the ping interval.
	KeepAlive time.Duration

	// PongWait is how long the peer may stay silent. Defaults to twice
	// KeepAlive.
	PongWait time.Duration

	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	Logger         *slog.Logger
}

func (c *WebsocketConfig) defaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.PongWait <= 0 {
		c.PongWait = 2 * c.KeepAlive
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WebsocketSink is a Sink backed by one websocket connection. Outbound
// messages are queued and written by a single pump goroutine, which also
// sends keep-alive pings. Ping failure, read errors, a full queue and Close
// all end the sink the same way.
type WebsocketSink struct {
	cfg  WebsocketConfig
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	writerDone chan struct{}
}

var _ Sink = (*WebsocketSink)(nil)

// NewWebsocketSink wraps conn. Call Run to start serving it.
func NewWebsocketSink(conn *websocket.Conn, cfg WebsocketConfig) *WebsocketSink {
	cfg.defaults()
	return &WebsocketSink{
		cfg:        cfg,
		conn:       conn,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Send queues msg. It never blocks: when the queue is full the sink is
// closed with ErrSlowConsumer.
func (s *WebsocketSink) Send(ctx context.Context, msg Message) error {
	if s.Closed() {
		return ErrSinkClosed
	}
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		s.fail(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

func (s *WebsocketSink) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the sink dies.
func (s *WebsocketSink) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the sink died, or nil after a clean close.
func (s *WebsocketSink) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops the sink. It is safe to call more than once.
func (s *WebsocketSink) Close() error {
	s.fail(nil)
	return nil
}

func (s *WebsocketSink) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

// Run serves the connection until it dies or ctx is cancelled. Each inbound
// text message is passed to onMessage on its own goroutine. Run closes the
// connection before returning.
func (s *WebsocketSink) Run(ctx context.Context, onMessage func(ctx context.Context, data []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writePump(ctx)

	err := s.readPump(ctx, onMessage)
	s.fail(err)
	<-s.writerDone
	return s.Err()
}

func (s *WebsocketSink) readPump(ctx context.Context, onMessage func(ctx context.Context, data []byte)) error {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.Closed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		if msgType != websocket.TextMessage || onMessage == nil {
			continue
		}
		go onMessage(ctx, data)
	}
}

func (s *WebsocketSink) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.cfg.Logger.Debug("websocket write failed", slog.Any("error", err))
				s.fail(err)
				return
			}
		case <-ticker.C:
			if s.Closed() {
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				s.cfg.Logger.Debug("websocket ping failed", slog.Any("error", err))
				s.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-ctx.Done():
			s.fail(nil)
			s.writeClose()
			return
		case <-s.done:
			s.writeClose()
			return
		}
	}
}

func (s *WebsocketSink) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
