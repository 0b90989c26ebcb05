package quicbus

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// HubConfig configures the central relay.
type HubConfig struct {
	// Addr is the UDP listen address, e.g. ":8765".
	Addr string
	// TLS is the server configuration; clients must present certificates.
	TLS *tls.Config
	// QUIC holds optional low-level knobs.
	QUIC *quic.Config
	// MaxFrameBytes caps a single relayed frame.
	MaxFrameBytes int
	// SessionBuffer is the per-session outbound queue; a session that
	// falls this far behind starts losing frames.
	SessionBuffer int
}

func (c *HubConfig) setDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.SessionBuffer <= 0 {
		c.SessionBuffer = 256
	}
}

// Hub relays frames between the participants of each channel. It never
// inspects message contents; ordering is per-sender only.
type Hub struct {
	cfg HubConfig
	log *zap.Logger
	ln  *quic.Listener

	mu       sync.Mutex
	channels map[string]map[*session]struct{}
	closed   bool

	wg sync.WaitGroup
}

type session struct {
	stream  *quic.Stream
	channel string
	remote  string
	out     chan []byte
}

// NewHub starts listening on cfg.Addr. Serve must be called to accept
// participants.
func NewHub(cfg HubConfig, log *zap.Logger) (*Hub, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("quicbus: HubConfig.Addr is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("quicbus: HubConfig.TLS is required")
	}
	ln, err := quic.ListenAddr(cfg.Addr, cfg.TLS, cfg.QUIC)
	if err != nil {
		return nil, err
	}
	return &Hub{
		cfg:      cfg,
		log:      log,
		ln:       ln,
		channels: make(map[string]map[*session]struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() net.Addr { return h.ln.Addr() }

// Serve accepts participants until the context is cancelled or the hub is
// closed.
func (h *Hub) Serve(ctx context.Context) error {
	h.log.Info("bus hub listening", zap.String("addr", h.ln.Addr().String()))
	for {
		conn, err := h.ln.Accept(ctx)
		if err != nil {
			if h.isClosed() || ctx.Err() != nil {
				return nil
			}
			return err
		}
		h.wg.Add(1)
		go h.serveConn(ctx, conn)
	}
}

// Close stops accepting and tears down every session.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var sessions []*session
	for _, members := range h.channels {
		for s := range members {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.stream.Close()
	}
	err := h.ln.Close()
	h.wg.Wait()
	return err
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) serveConn(ctx context.Context, conn *quic.Conn) {
	defer h.wg.Done()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		h.wg.Add(1)
		go h.serveStream(stream, remote)
	}
}

func (h *Hub) serveStream(stream *quic.Stream, remote string) {
	defer h.wg.Done()
	defer stream.Close()

	s, err := h.register(stream, remote)
	if err != nil {
		h.log.Warn("rejecting stream", zap.String("remote", remote), zap.Error(err))
		return
	}
	defer h.unregister(s)
	h.log.Info("participant joined",
		zap.String("channel", s.channel),
		zap.String("remote", remote))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range s.out {
			if err := writeFrame(stream, payload); err != nil {
				return
			}
		}
	}()

	for {
		payload, err := readFrame(stream, h.cfg.MaxFrameBytes)
		if err != nil {
			break
		}
		if payload == nil {
			continue
		}
		h.broadcast(s, payload)
	}

	h.log.Info("participant left",
		zap.String("channel", s.channel),
		zap.String("remote", remote))
	<-done
}

// register reads the hello frame and joins the stream to its channel.
func (h *Hub) register(stream *quic.Stream, remote string) (*session, error) {
	payload, err := readFrame(stream, h.cfg.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	var hi hello
	if err := unmarshalHello(payload, &hi); err != nil {
		return nil, err
	}

	s := &session{
		stream:  stream,
		channel: hi.Channel,
		remote:  remote,
		out:     make(chan []byte, h.cfg.SessionBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("quicbus: hub closed")
	}
	members, ok := h.channels[s.channel]
	if !ok {
		members = make(map[*session]struct{})
		h.channels[s.channel] = members
	}
	members[s] = struct{}{}
	return s, nil
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[s.channel]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, s.channel)
		}
	}
	// Closed under the mutex so broadcast can never send on a closed queue.
	close(s.out)
}

// broadcast relays payload to every other session on the sender's channel.
// Sessions with a full outbound queue lose the frame; the protocol above
// tolerates loss.
func (h *Hub) broadcast(from *session, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.channels[from.channel] {
		if s == from {
			continue
		}
		select {
		case s.out <- payload:
		default:
			h.log.Warn("dropping frame for slow participant",
				zap.String("channel", s.channel),
				zap.String("remote", s.remote))
		}
	}
}
