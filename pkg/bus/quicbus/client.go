package quicbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stratum-db/stratum/pkg/bus"
)

// Client errors.
var (
	ErrClientClosed = errors.New("quicbus: client closed")
	// ErrDisconnected is returned by Publish while the hub is unreachable;
	// the client keeps reconnecting in the background.
	ErrDisconnected = errors.New("quicbus: not connected to hub")
)

// Config configures a hub client.
type Config struct {
	// Addr is the hub address, host:port.
	Addr string
	// Channel joins this participant to one broadcast group; callers derive
	// it from the storage resource name with bus.ChannelName.
	Channel string
	// TLS is the client configuration, usually certs.LoadClientTLSConfig.
	TLS *tls.Config
	// QUIC holds optional low-level knobs.
	QUIC *quic.Config

	MaxFrameBytes int

	// PublishRate throttles outgoing messages; zero means unlimited.
	PublishRate  rate.Limit
	PublishBurst int

	// Reconnect backoff policy.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffJitterFrac float64

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.PublishBurst <= 0 {
		c.PublishBurst = 16
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffJitterFrac <= 0 {
		c.BackoffJitterFrac = 0.2
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client is one participant's connection to the hub. It implements bus.Bus;
// a lost connection is re-established in the background with exponential
// backoff, and frames sent while disconnected fail fast.
type Client struct {
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
	randSrc *rand.Rand

	mu       sync.Mutex
	conn     *quic.Conn
	stream   *quic.Stream
	handlers map[int]bus.Handler
	nextID   int
	closed   bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to the hub and joins the configured channel.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("quicbus: Config.Addr is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("quicbus: Config.Channel is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("quicbus: Config.TLS is required")
	}

	var limit rate.Limit = rate.Inf
	if cfg.PublishRate > 0 {
		limit = cfg.PublishRate
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		limiter:  rate.NewLimiter(limit, cfg.PublishBurst),
		randSrc:  rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers: make(map[int]bus.Handler),
		quit:     make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Publish sends msg to every other participant on the channel.
func (c *Client) Publish(ctx context.Context, msg bus.Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.stream == nil {
		return ErrDisconnected
	}
	if err := writeFrame(c.stream, payload); err != nil {
		c.teardownLocked()
		c.startReconnect()
		return err
	}
	return nil
}

// Subscribe registers fn for every incoming message. The returned cancel
// removes the registration.
func (c *Client) Subscribe(fn bus.Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	close(c.quit)
	c.wg.Wait()
	return nil
}

// connect dials the hub, sends the hello frame, and starts the read loop.
func (c *Client) connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.cfg.Addr, c.cfg.TLS, c.cfg.QUIC)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return err
	}
	hi, err := json.Marshal(hello{Channel: c.cfg.Channel})
	if err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return err
	}
	if err := writeFrame(stream, hi); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseWithError(0, "client closed")
		return ErrClientClosed
	}
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	c.log.Info("connected to bus hub",
		zap.String("addr", c.cfg.Addr),
		zap.String("channel", c.cfg.Channel))

	c.wg.Add(1)
	go c.readLoop(stream)
	return nil
}

func (c *Client) readLoop(stream *quic.Stream) {
	defer c.wg.Done()
	for {
		payload, err := readFrame(stream, c.cfg.MaxFrameBytes)
		if err != nil {
			c.mu.Lock()
			stale := c.stream != stream || c.closed
			if !stale {
				c.teardownLocked()
			}
			c.mu.Unlock()
			if !stale {
				c.log.Warn("bus connection lost", zap.Error(err))
				c.startReconnect()
			}
			return
		}
		if payload == nil {
			continue
		}
		var msg bus.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.log.Warn("discarding malformed bus frame", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg bus.Message) {
	c.mu.Lock()
	handlers := make([]bus.Handler, 0, len(c.handlers))
	for _, fn := range c.handlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// startReconnect begins the background redial loop. Caller must have torn
// down the previous connection already.
func (c *Client) startReconnect() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		backoff := c.cfg.InitialBackoff
		for {
			select {
			case <-c.quit:
				return
			case <-time.After(backoff):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.connect(ctx)
			cancel()
			if err == nil || errors.Is(err, ErrClientClosed) {
				return
			}
			c.log.Warn("bus reconnect failed",
				zap.Duration("backoff", backoff),
				zap.Error(err))
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff, c.cfg.BackoffJitterFrac, c.randSrc)
		}
	}()
}

func (c *Client) teardownLocked() {
	if c.stream != nil {
		_ = c.stream.Close()
		c.stream = nil
	}
	if c.conn != nil {
		_ = c.conn.CloseWithError(0, "closing")
		c.conn = nil
	}
}

// nextBackoff doubles the delay up to max and applies +/- jitterFrac jitter.
func nextBackoff(cur, max time.Duration, jitterFrac float64, r *rand.Rand) time.Duration {
	next := time.Duration(float64(cur) * 2)
	if next > max {
		next = max
	}
	if jitterFrac > 0 && r != nil {
		j := 1 + (r.Float64()*2-1)*jitterFrac
		next = time.Duration(math.Max(0, float64(next)*j))
	}
	return next
}
