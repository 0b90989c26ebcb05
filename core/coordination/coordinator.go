// Package coordination implements best-effort mutual exclusion across
// execution contexts sharing one storage resource. Participants exchange
// request/grant/deny messages over an injected broadcast transport, refresh
// liveness with heartbeats, and reclaim locks from participants that go
// silent. The protocol is cooperative: it assumes honest participants and
// does not survive message loss with hard guarantees.
package coordination

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratum-db/stratum/pkg/bus"
)

// Protocol defaults.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultAcquireTimeout    = 30 * time.Second
	DefaultRetryDelay        = time.Second
	DefaultMaxRetries        = 3

	// staleHeartbeats is how many missed heartbeat intervals mark a
	// participant dead.
	staleHeartbeats = 3
)

// Config tunes the protocol timers.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetries        int           `yaml:"max_retries"`
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

type waitResult struct {
	granted bool
	fence   uint64
}

type waiter struct {
	ch chan waitResult
}

// Coordinator is one participant in the cross-context lock protocol.
type Coordinator struct {
	id      string
	bus     bus.Bus
	reg     *Registry
	log     *zap.Logger
	metrics *Metrics
	cfg     Config

	mu      sync.Mutex
	peers   map[string]time.Time
	waiting map[string][]*waiter
	closed  bool

	cancelSub func()
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a coordinator over transport b. A nil transport selects the
// single-context fallback where every acquire succeeds locally — there is
// nothing to coordinate with. metrics may be nil.
func New(b bus.Bus, log *zap.Logger, metrics *Metrics, cfg Config) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.setDefaults()
	return &Coordinator{
		id:      uuid.NewString(),
		bus:     b,
		reg:     NewRegistry(),
		log:     log,
		metrics: metrics,
		cfg:     cfg,
		peers:   make(map[string]time.Time),
		waiting: make(map[string][]*waiter),
		stop:    make(chan struct{}),
	}
}

// ID returns this participant's generated identifier.
func (c *Coordinator) ID() string { return c.id }

// Registry exposes the lock bookkeeping for inspection.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Start announces presence and begins the heartbeat/reclamation loop.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	c.cancelSub = c.bus.Subscribe(c.handle)
	if err := c.publish(ctx, MsgPresence, nil); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return nil
}

// Close broadcasts departure and stops the background loop. The injected
// transport is not closed; its owner does that.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.bus != nil {
		_ = c.publish(context.Background(), MsgDeparture, nil)
		if c.cancelSub != nil {
			c.cancelSub()
		}
	}
	close(c.stop)
	c.wg.Wait()
	return nil
}

// Acquire resolves once this participant holds lockID. It is re-entrant
// within one context. Denials retry with exponential backoff up to the
// configured cap; silence is bounded by timeout (zero selects the default).
func (c *Coordinator) Acquire(ctx context.Context, lockID string, timeout time.Duration) error {
	if c.isClosed() {
		return ErrCoordinatorClosed
	}
	if timeout <= 0 {
		timeout = c.cfg.AcquireTimeout
	}
	if c.reg.HeldBy(lockID, c.id) {
		return nil
	}
	if c.bus == nil {
		c.reg.Grant(lockID, c.id, c.reg.IssueFence(lockID))
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for attempt := 0; ; attempt++ {
		if c.livePeers() == 0 {
			// Nobody to ask; grant locally. Liveness sweeping keeps this
			// honest if a peer appears later and contests the lock.
			c.reg.Grant(lockID, c.id, c.reg.IssueFence(lockID))
			return nil
		}

		w := &waiter{ch: make(chan waitResult, 1)}
		c.enqueue(lockID, w)
		if err := c.publish(ctx, MsgLockRequest, lockPayload{LockID: lockID}); err != nil {
			c.dequeue(lockID, w)
			return err
		}

		select {
		case res := <-w.ch:
			if res.granted {
				c.reg.Grant(lockID, c.id, res.fence)
				if c.metrics != nil {
					c.metrics.GrantedCounter.Add(ctx, 1)
				}
				c.log.Debug("lock acquired",
					zap.String("lock_id", lockID),
					zap.Uint64("fence", res.fence))
				return nil
			}
			if c.metrics != nil {
				c.metrics.DeniedCounter.Add(ctx, 1)
			}
			if attempt >= c.cfg.MaxRetries {
				c.log.Warn("lock denied, retries exhausted", zap.String("lock_id", lockID))
				return ErrAcquisitionFailed
			}
			backoff := c.cfg.RetryDelay * (1 << attempt)
			c.log.Debug("lock denied, backing off",
				zap.String("lock_id", lockID),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-deadline.C:
				return ErrLockTimeout
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-deadline.C:
			c.dequeue(lockID, w)
			return ErrLockTimeout

		case <-ctx.Done():
			c.dequeue(lockID, w)
			return ctx.Err()
		}
	}
}

// Release forgets lockID. Contexts waiting on it pick it up through their
// denial-retry backoff; no message is broadcast.
func (c *Coordinator) Release(lockID string) {
	if c.reg.Release(lockID, c.id) {
		c.log.Debug("lock released", zap.String("lock_id", lockID))
	}
}

// WithLock runs fn while holding lockID.
func (c *Coordinator) WithLock(ctx context.Context, lockID string, fn func(ctx context.Context) error) error {
	if err := c.Acquire(ctx, lockID, 0); err != nil {
		return err
	}
	defer c.Release(lockID)
	return fn(ctx)
}

// AnnounceMigrationStart tells other contexts a migration run is beginning.
// Informational only; it does not gate access by itself.
func (c *Coordinator) AnnounceMigrationStart(ctx context.Context, database string, version uint64) {
	_ = c.publish(ctx, MsgMigrationStart, migrationPayload{Database: database, Version: version})
}

// AnnounceMigrationComplete tells other contexts a migration run finished.
func (c *Coordinator) AnnounceMigrationComplete(ctx context.Context, database string, version uint64) {
	_ = c.publish(ctx, MsgMigrationComplete, migrationPayload{Database: database, Version: version})
}

// --- message handling ---

func (c *Coordinator) handle(msg bus.Message) {
	if msg.SenderID == c.id {
		return
	}
	switch msg.Type {
	case MsgPresence:
		c.touch(msg.SenderID)
		// Answer so the newcomer learns about us before our next
		// scheduled heartbeat.
		_ = c.publish(context.Background(), MsgHeartbeat, nil)
	case MsgHeartbeat:
		c.touch(msg.SenderID)
	case MsgDeparture:
		c.forget(msg.SenderID, "departure")
	case MsgLockRequest:
		c.touch(msg.SenderID)
		c.handleRequest(msg)
	case MsgLockGranted:
		c.touch(msg.SenderID)
		c.handleGranted(msg)
	case MsgLockDenied:
		c.touch(msg.SenderID)
		c.handleDenied(msg)
	case MsgMigrationStart, MsgMigrationComplete:
		c.touch(msg.SenderID)
		var p migrationPayload
		_ = json.Unmarshal(msg.Data, &p)
		c.log.Info("migration announcement from peer",
			zap.String("type", msg.Type),
			zap.String("peer", msg.SenderID),
			zap.String("database", p.Database),
			zap.Uint64("version", p.Version))
	}
}

func (c *Coordinator) handleRequest(msg bus.Message) {
	var p lockPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.LockID == "" {
		return
	}
	if c.reg.HeldBy(p.LockID, c.id) {
		_ = c.publish(context.Background(), MsgLockDenied, lockPayload{LockID: p.LockID})
		return
	}
	fence := c.reg.IssueFence(p.LockID)
	// Tentatively record the requester as holder so departure and
	// dead-holder sweeps can reclaim on its behalf.
	c.reg.Grant(p.LockID, msg.SenderID, fence)
	_ = c.publish(context.Background(), MsgLockGranted, lockPayload{LockID: p.LockID, Fence: fence})
}

func (c *Coordinator) handleGranted(msg bus.Message) {
	var p lockPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.LockID == "" {
		return
	}
	if p.Fence != 0 && p.Fence < c.reg.ObservedFence(p.LockID) {
		c.log.Warn("ignoring stale lock grant",
			zap.String("lock_id", p.LockID),
			zap.Uint64("fence", p.Fence))
		return
	}
	c.resolve(p.LockID, waitResult{granted: true, fence: p.Fence})
}

func (c *Coordinator) handleDenied(msg bus.Message) {
	var p lockPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.LockID == "" {
		return
	}
	c.resolve(p.LockID, waitResult{granted: false})
}

// --- liveness ---

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.publish(context.Background(), MsgHeartbeat, nil)
			c.sweep()
		}
	}
}

// sweep reclaims locks whose holder has not been heard from for
// staleHeartbeats intervals.
func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-time.Duration(staleHeartbeats) * c.cfg.HeartbeatInterval)
	c.mu.Lock()
	var dead []string
	for peer, seen := range c.peers {
		if seen.Before(cutoff) {
			dead = append(dead, peer)
		}
	}
	c.mu.Unlock()
	for _, peer := range dead {
		c.forget(peer, "heartbeat silence")
	}
}

func (c *Coordinator) forget(peer, reason string) {
	c.mu.Lock()
	delete(c.peers, peer)
	c.mu.Unlock()
	released := c.reg.ReleaseAllHeldBy(peer)
	if len(released) > 0 {
		c.log.Warn("forcibly reclaimed locks from participant",
			zap.String("peer", peer),
			zap.String("reason", reason),
			zap.Strings("locks", released))
		if c.metrics != nil {
			c.metrics.ReclaimedCounter.Add(context.Background(), int64(len(released)))
		}
	}
}

func (c *Coordinator) touch(peer string) {
	c.mu.Lock()
	c.peers[peer] = time.Now()
	c.mu.Unlock()
}

func (c *Coordinator) livePeers() int {
	cutoff := time.Now().Add(-time.Duration(staleHeartbeats) * c.cfg.HeartbeatInterval)
	c.mu.Lock()
	defer c.mu.Unlock()
	live := 0
	for _, seen := range c.peers {
		if !seen.Before(cutoff) {
			live++
		}
	}
	return live
}

// --- plumbing ---

func (c *Coordinator) enqueue(lockID string, w *waiter) {
	c.mu.Lock()
	c.waiting[lockID] = append(c.waiting[lockID], w)
	c.mu.Unlock()
}

func (c *Coordinator) dequeue(lockID string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiting[lockID]
	for i, cand := range q {
		if cand == w {
			c.waiting[lockID] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// resolve hands the result to the longest-waiting acquirer of lockID.
func (c *Coordinator) resolve(lockID string, res waitResult) {
	c.mu.Lock()
	q := c.waiting[lockID]
	if len(q) == 0 {
		c.mu.Unlock()
		return
	}
	w := q[0]
	c.waiting[lockID] = q[1:]
	c.mu.Unlock()
	select {
	case w.ch <- res:
	default:
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) publish(ctx context.Context, msgType string, payload any) error {
	if c.bus == nil {
		return nil
	}
	msg := bus.Message{
		Type:      msgType,
		SenderID:  c.id,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Data = raw
	}
	return c.bus.Publish(ctx, msg)
}
