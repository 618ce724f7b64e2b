package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/codec"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/pkg/circuitbreaker"
	"github.com/maartenbreddels/ipywebrtc/pkg/retry"
	"github.com/maartenbreddels/ipywebrtc/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	inboundBuffer = 256
	statusBuffer  = 16
)

// Side names which end of a session a transport serves.
type Side string

const (
	SideHost     Side = "host"
	SideFrontend Side = "frontend"
)

func (s Side) other() Side {
	if s == SideHost {
		return SideFrontend
	}
	return SideHost
}

type Config struct {
	Prefix   string
	Session  string
	Side     Side
	Encoding codec.Encoding
	// PresenceInterval is how often the remote subscription is probed.
	PresenceInterval time.Duration
	Retry            retry.Config
	// Breaker fails publishes fast after repeated broker errors.
	Breaker circuitbreaker.Config
}

func DefaultConfig() Config {
	return Config{
		Prefix:           "ipywebrtc",
		Session:          "default",
		Side:             SideHost,
		Encoding:         codec.EncodingMsgpack,
		PresenceInterval: time.Second,
		Retry:            retry.DefaultConfig(),
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

// Channel returns the pub/sub channel that carries messages towards side.
func Channel(prefix, session string, towards Side) string {
	return fmt.Sprintf("%s:%s:to-%s", prefix, session, towards)
}

// Transport carries frames over two Redis pub/sub channels, one per
// direction. The link counts as up while the other side is subscribed.
type Transport struct {
	client  *redis.Client
	config  Config
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.CircuitBreaker

	inChannel  string
	outChannel string

	mu        sync.Mutex
	pubsub    *redis.PubSub
	connected bool
	closed    bool

	inbound chan *domain.Message
	status  chan domain.LinkStatus
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewTransport(client *redis.Client, config Config, logger *zap.SugaredLogger) *Transport {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.Session == "" {
		config.Session = defaults.Session
	}
	if config.Side == "" {
		config.Side = defaults.Side
	}
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.PresenceInterval <= 0 {
		config.PresenceInterval = defaults.PresenceInterval
	}

	breaker := circuitbreaker.New(config.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis publish breaker changed", "from", from.String(), "to", to.String())
	})

	return &Transport{
		client:     client,
		config:     config,
		logger:     logger,
		breaker:    breaker,
		inChannel:  Channel(config.Prefix, config.Session, config.Side),
		outChannel: Channel(config.Prefix, config.Session, config.Side.other()),
		inbound:    make(chan *domain.Message, inboundBuffer),
		status:     make(chan domain.LinkStatus, statusBuffer),
	}
}

// Start subscribes to the inbound channel, retrying with backoff, and
// begins watching for the remote side.
func (t *Transport) Start(ctx context.Context) error {
	var pubsub *redis.PubSub
	err := retry.Retry(ctx, t.config.Retry, func() error {
		ps := t.client.Subscribe(ctx, t.inChannel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			t.logger.Warnw("redis subscribe failed", "channel", t.inChannel, "error", err)
			return err
		}
		pubsub = ps
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.inChannel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.pubsub = pubsub
	t.cancel = cancel
	t.mu.Unlock()

	t.logger.Infow("redis transport subscribed",
		"inbound", t.inChannel,
		"outbound", t.outChannel,
		"side", t.config.Side,
	)

	t.wg.Add(2)
	go t.receiveLoop(ctx, pubsub)
	go t.presenceLoop(ctx)
	return nil
}

func (t *Transport) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer t.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := codec.UnmarshalFrame(t.config.Encoding, []byte(m.Payload))
			if err != nil {
				t.logger.Warnw("dropping malformed frame",
					"channel", m.Channel,
					"bytes", len(m.Payload),
					"error", err,
				)
				continue
			}
			select {
			case t.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) presenceLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.PresenceInterval)
	defer ticker.Stop()

	t.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probe(ctx)
		}
	}
}

func (t *Transport) probe(ctx context.Context) {
	ctx, span := tracing.TraceRedisOperation(ctx, "pubsub_numsub", t.outChannel)
	defer span.End()

	counts, err := t.client.PubSubNumSub(ctx, t.outChannel).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		t.logger.Debugw("presence probe failed", "channel", t.outChannel, "error", err)
		t.setConnected(false)
		return
	}
	t.setConnected(counts[t.outChannel] > 0)
}

func (t *Transport) setConnected(up bool) {
	t.mu.Lock()
	if t.closed || t.connected == up {
		t.mu.Unlock()
		return
	}
	t.connected = up
	t.mu.Unlock()

	t.logger.Infow("redis link changed", "connected", up, "session", t.config.Session)
	t.pushStatus(domain.LinkStatus{Connected: up, Peer: string(t.config.Side.other())})
}

// Send implements ports.Transport.
func (t *Transport) Send(ctx context.Context, msg *domain.Message) error {
	t.mu.Lock()
	connected, closed := t.connected, t.closed
	t.mu.Unlock()
	if closed {
		return domain.ErrTransportClosed
	}
	if !connected {
		return domain.ErrTransportDown
	}

	frame, err := codec.MarshalFrame(t.config.Encoding, msg)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceRedisOperation(ctx, "publish", t.outChannel)
	defer span.End()

	var receivers int64
	err = t.breaker.Execute(func() error {
		var err error
		receivers, err = t.client.Publish(ctx, t.outChannel, frame).Result()
		return err
	}, nil)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("publish %s: %w: %v", t.outChannel, domain.ErrTransportDown, err)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		t.setConnected(false)
		return fmt.Errorf("publish %s: %w: %v", t.outChannel, domain.ErrTransportDown, err)
	}
	if receivers == 0 {
		t.setConnected(false)
		return fmt.Errorf("publish %s: no subscriber: %w", t.outChannel, domain.ErrTransportDown)
	}
	return nil
}

func (t *Transport) Inbound() <-chan *domain.Message {
	return t.inbound
}

func (t *Transport) Status() <-chan domain.LinkStatus {
	return t.status
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

// Close unsubscribes and stops the presence probe. The client is left open.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	pubsub, cancel := t.pubsub, t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	t.wg.Wait()
	t.pushStatus(domain.LinkStatus{Connected: false})
	return err
}

func (t *Transport) pushStatus(st domain.LinkStatus) {
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
