package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	inboundBuffer = 256
	statusBuffer  = 16
)

type Config struct {
	Encoding       codec.Encoding
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessagesPerSecond caps inbound frames per connection; zero disables.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		Encoding:          codec.EncodingMsgpack,
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 << 20,
		MessagesPerSecond: 500,
		Burst:             1000,
	}
}

// session is one attached front-end connection.
type session struct {
	conn     *websocket.Conn
	clientID string
	limiter  *rate.Limiter

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// WebSocketTransport is the server side of the sync channel. At most one
// front-end is attached at a time; a new connection replaces the previous
// one.
type WebSocketTransport struct {
	config   Config
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	current *session
	closed  bool

	inbound chan *domain.Message
	status  chan domain.LinkStatus
}

func NewWebSocketTransport(config Config, logger *zap.SugaredLogger) *WebSocketTransport {
	defaults := DefaultConfig()
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}

	t := &WebSocketTransport{
		config:  config,
		logger:  logger,
		inbound: make(chan *domain.Message, inboundBuffer),
		status:  make(chan domain.LinkStatus, statusBuffer),
	}
	t.upgrader = websocket.Upgrader{
		CheckOrigin:     t.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return t
}

func (t *WebSocketTransport) checkOrigin(r *http.Request) bool {
	if len(t.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range t.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades the request and serves it until the connection
// drops or is replaced.
func (t *WebSocketTransport) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if v, ok := r.Context().Value("client_id").(string); ok && v != "" {
		clientID = v
	}
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(t.config.MaxMessageSize)

	s := &session{
		conn:     conn,
		clientID: clientID,
		done:     make(chan struct{}),
	}
	if t.config.MessagesPerSecond > 0 {
		burst := t.config.Burst
		if burst <= 0 {
			burst = int(t.config.MessagesPerSecond)
		}
		s.limiter = rate.NewLimiter(rate.Limit(t.config.MessagesPerSecond), burst)
	}

	t.mu.Lock()
	previous := t.current
	t.current = s
	t.mu.Unlock()

	if previous != nil {
		t.logger.Infow("replacing attached front-end", "previous", previous.clientID, "client_id", clientID)
		previous.close()
		// the new front-end starts from nothing, so the bus has to see a
		// fresh link even when the client id is the same
		t.pushStatus(domain.LinkStatus{Connected: false, Peer: previous.clientID})
	}
	t.pushStatus(domain.LinkStatus{Connected: true, Peer: clientID})
	t.logger.Infow("front-end attached", "client_id", clientID, "replaced", previous != nil)

	go t.pingLoop(s)
	t.readLoop(s)

	s.close()
	t.mu.Lock()
	stillCurrent := t.current == s
	if stillCurrent {
		t.current = nil
	}
	t.mu.Unlock()
	if stillCurrent {
		t.pushStatus(domain.LinkStatus{Connected: false, Peer: clientID})
		t.logger.Infow("front-end detached", "client_id", clientID)
	}
}

func (t *WebSocketTransport) readLoop(s *session) {
	s.conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Infow("error reading from front-end", "client_id", s.clientID, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(t.config.PongTimeout))

		if s.limiter != nil && !s.limiter.Allow() {
			t.logger.Warnw("front-end exceeded message rate, frame dropped", "client_id", s.clientID)
			continue
		}

		enc := codec.EncodingMsgpack
		if kind == websocket.TextMessage {
			enc = codec.EncodingJSON
		}
		ctx, span := tracing.TraceWebSocketMessage(context.Background(), string(enc), s.clientID)
		msg, err := codec.UnmarshalFrame(enc, data)
		if err != nil {
			tracing.RecordError(ctx, err)
			span.End()
			t.logger.Warnw("dropping malformed frame",
				"client_id", s.clientID,
				"bytes", len(data),
				"error", err,
			)
			continue
		}
		span.End()

		select {
		case t.inbound <- msg:
		case <-s.done:
			return
		}
	}
}

func (t *WebSocketTransport) pingLoop(s *session) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				t.logger.Infow("error sending ping", "client_id", s.clientID, "error", err)
				s.close()
				return
			}
		}
	}
}

// Send implements ports.Transport.
func (t *WebSocketTransport) Send(ctx context.Context, msg *domain.Message) error {
	t.mu.Lock()
	s, closed := t.current, t.closed
	t.mu.Unlock()
	if closed {
		return domain.ErrTransportClosed
	}
	if s == nil {
		return domain.ErrTransportDown
	}

	frame, err := codec.MarshalFrame(t.config.Encoding, msg)
	if err != nil {
		return err
	}
	frameType := websocket.BinaryMessage
	if t.config.Encoding == codec.EncodingJSON {
		frameType = websocket.TextMessage
	}

	deadline := time.Now().Add(t.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(deadline)
	err = s.conn.WriteMessage(frameType, frame)
	s.writeMu.Unlock()
	if err != nil {
		s.close()
		return fmt.Errorf("write to %s: %w: %v", s.clientID, domain.ErrTransportDown, err)
	}
	return nil
}

func (t *WebSocketTransport) Inbound() <-chan *domain.Message {
	return t.inbound
}

func (t *WebSocketTransport) Status() <-chan domain.LinkStatus {
	return t.status
}

func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// ClientID returns the id of the attached front-end, if any.
func (t *WebSocketTransport) ClientID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.clientID
}

// Close detaches the current front-end and rejects new connections.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	s := t.current
	t.current = nil
	t.mu.Unlock()

	if s != nil {
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "host shutting down"))
		s.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			t.logger.Debugw("close frame not sent", "client_id", s.clientID, "error", err)
		}
		s.close()
	}
	t.pushStatus(domain.LinkStatus{Connected: false})
	return nil
}

func (t *WebSocketTransport) pushStatus(st domain.LinkStatus) {
	for {
		select {
		case t.status <- st:
			return
		default:
		}
		select {
		case <-t.status:
		default:
		}
	}
}

// HealthCheck reports whether a front-end is attached.
func (t *WebSocketTransport) HealthCheck(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	attached := t.current != nil
	client := ""
	if attached {
		client = t.current.clientID
	}
	t.mu.Unlock()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"attached":  attached,
		"client_id": client,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
