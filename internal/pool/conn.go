package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"depthflow/internal/clock"
	"depthflow/internal/venue"
	"depthflow/logger"
	"depthflow/models"
)

// conn is one ConnectionRecord: a physical transport for a (venue, logical
// channel) pair plus its reconnection state machine. All mutable state is
// confined behind the record-scoped mutex; there is no pool-global lock on
// the hot path.
type conn struct {
	pool     *Pool
	adapter  venue.Adapter
	channel  models.Channel
	registry *subscriberRegistry
	log      *logger.Entry

	mu        sync.Mutex
	state     models.ConnState
	attempts  int
	transport Transport
	// gen invalidates read loops, heartbeats and watchdogs that belong to a
	// superseded transport.
	gen            int
	lastMsg        time.Time
	lastErr        string
	backoff        *backoff.Backoff
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	watchdogTimer  clock.Timer
}

func newConn(p *Pool, adapter venue.Adapter, ch models.Channel) *conn {
	bc := p.cfg.Pool.Backoff
	return &conn{
		pool:     p,
		adapter:  adapter,
		channel:  ch,
		registry: newSubscriberRegistry(),
		state:    models.StateIdle,
		backoff: &backoff.Backoff{
			Min:    bc.BaseDelay,
			Max:    bc.MaxDelay,
			Factor: bc.Factor,
			Jitter: bc.Jitter,
		},
		log: p.log.WithComponent("pool_conn").WithFields(logger.Fields{
			"venue":   adapter.Name(),
			"channel": string(ch),
		}),
	}
}

// subscribe registers a handler and drives the state machine: the first
// subscriber on an idle record opens the transport; a subscriber arriving
// while the record is still CONNECTING attaches to the pending connection
// instead of opening a second one. Registration happens under the record
// lock so it cannot interleave with a concurrent teardown or with the bulk
// resubscribe snapshot taken in connect.
func (c *conn) subscribe(key models.InstrumentKey, native string, h Handler) string {
	c.mu.Lock()
	id, first := c.registry.add(key, native, h)
	switch c.state {
	case models.StateIdle, models.StateFailed:
		// A new subscription event is the agreed recovery path out of
		// FAILED: the attempt counter restarts from zero.
		c.attempts = 0
		c.backoff.Reset()
		c.toConnectingLocked()
		c.mu.Unlock()
		return id
	case models.StateOpen:
		if first {
			t := c.transport
			c.mu.Unlock()
			c.sendFrames(t, c.subscribeFrames([]string{native}))
			return id
		}
	}
	// CONNECTING or RECONNECT_WAIT: the pending open (or its retry timer)
	// covers this instrument, nothing to do.
	c.mu.Unlock()
	return id
}

// unsubscribe removes one registration. The last handler for an instrument
// sends the partial unsubscribe frame when the protocol has one; the last
// instrument on the record tears the transport down and cancels every timer,
// including an in-flight reconnect. Removal and teardown are one locked
// step: a racing subscribe lands either before, keeping the transport, or
// after, reopening from IDLE.
func (c *conn) unsubscribe(key models.InstrumentKey, native string, id string) (empty bool) {
	c.mu.Lock()
	instrumentGone, empty := c.registry.remove(key, id)
	if instrumentGone && !empty && c.state == models.StateOpen && c.transport != nil {
		t := c.transport
		frames, err := c.adapter.UnsubscribeFrames(c.channel, []string{native})
		c.mu.Unlock()
		if err == nil && frames != nil {
			c.sendFrames(t, frames)
		}
		return false
	}
	if empty {
		c.teardownLocked()
	}
	c.mu.Unlock()
	return empty
}

// shutdown closes the transport and cancels every timer regardless of
// remaining subscribers.
func (c *conn) shutdown() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
}

func (c *conn) toConnectingLocked() {
	c.gen++
	c.state = models.StateConnecting
	st := c.statusLocked()
	go c.pool.notifyStatus(st)
	go c.connect(c.gen)
}

func (c *conn) connect(gen int) {
	t, err := c.pool.dialer.Dial(context.Background(), c.adapter.StreamURL(c.channel))

	c.mu.Lock()
	if gen != c.gen || c.state != models.StateConnecting {
		c.mu.Unlock()
		if err == nil {
			t.Close()
		}
		return
	}

	if err != nil {
		c.lastErr = err.Error()
		c.log.WithError(err).Warn("dial failed")
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.transport = t
	c.state = models.StateOpen
	c.attempts = 0
	c.backoff.Reset()
	c.lastMsg = c.pool.clk.Now()
	c.lastErr = ""
	st := c.statusLocked()
	c.scheduleHeartbeatLocked()
	c.scheduleWatchdogLocked()

	// The venue does not remember subscriptions across sockets; re-issue a
	// subscribe frame for every instrument currently registered.
	frames := c.subscribeFrames(c.registry.natives())
	c.mu.Unlock()

	c.sendFrames(t, frames)
	c.log.Info("transport open")
	go c.pool.notifyStatus(st)
	go c.readLoop(t, gen)
}

func (c *conn) subscribeFrames(natives []string) [][]byte {
	if len(natives) == 0 {
		return nil
	}
	frames, err := c.adapter.SubscribeFrames(c.channel, natives)
	if err != nil {
		c.log.WithError(err).Error("failed to build subscribe frames")
		return nil
	}
	return frames
}

func (c *conn) sendFrames(t Transport, frames [][]byte) {
	for _, frame := range frames {
		if err := t.WriteMessage(frame); err != nil {
			c.log.WithError(err).Warn("control frame write failed")
			return
		}
	}
}

func (c *conn) readLoop(t Transport, gen int) {
	for {
		msg, err := t.ReadMessage()
		if err != nil {
			c.onTransportError(gen, err)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *conn) handleMessage(msg []byte) {
	c.mu.Lock()
	c.lastMsg = c.pool.clk.Now()
	c.mu.Unlock()

	c.pool.countRead(len(msg))

	events, err := c.adapter.Parse(msg)
	if err != nil {
		// Malformed input is never a transport failure; the message is
		// dropped and the session stays up.
		switch {
		case errors.Is(err, venue.ErrSubscriptionLimit):
			c.log.WithError(err).Error("venue rejected subscribe batch")
		default:
			c.log.WithError(err).Warn("dropping unparseable message")
		}
		c.pool.countProtocolDrop()
		return
	}

	for _, evt := range events {
		key := models.InstrumentKey{
			Venue:  c.adapter.Name(),
			Symbol: c.pool.normalize(c.adapter.Name(), evt.Instrument.Symbol),
		}
		evt.Instrument = key
		switch {
		case evt.Snapshot != nil:
			evt.Snapshot.Instrument = key
		case evt.Delta != nil:
			evt.Delta.Instrument = key
		case evt.Ticker != nil:
			evt.Ticker.Instrument = key
		}
		if evt.Received.IsZero() {
			evt.Received = c.pool.clk.Now()
		}
		delivered := c.registry.dispatch(key, evt)
		c.pool.countRouted(delivered)
	}
}

func (c *conn) onTransportError(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// superseded by a forced reconnect or teardown
		c.mu.Unlock()
		return
	}
	c.closeTransportLocked()
	c.stopKeepaliveLocked()
	c.gen++

	if c.registry.size() == 0 {
		c.state = models.StateIdle
		st := c.statusLocked()
		c.mu.Unlock()
		go c.pool.notifyStatus(st)
		return
	}

	c.lastErr = err.Error()
	c.log.WithError(err).Warn("transport error, scheduling reconnect")
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

// scheduleReconnectLocked advances the state machine after a failed dial or
// lost transport: bounded jittered exponential backoff, then FAILED once
// MaxAttempts is exceeded.
func (c *conn) scheduleReconnectLocked() {
	c.attempts++
	if c.attempts > c.pool.cfg.Pool.Backoff.MaxAttempts {
		c.state = models.StateFailed
		st := c.statusLocked()
		c.log.WithFields(logger.Fields{"attempts": c.attempts - 1}).Error("reconnect attempts exhausted")
		go c.pool.notifyStatus(st)
		return
	}

	c.state = models.StateReconnectWait
	delay := c.reconnectDelayLocked()
	c.pool.countReconnect()
	gen := c.gen
	// arm the timer before announcing the state so a listener reacting to
	// RECONNECT_WAIT always observes a pending retry
	c.reconnectTimer = c.pool.clk.AfterFunc(delay, func() { c.onReconnectTimer(gen) })
	st := c.statusLocked()
	go c.pool.notifyStatus(st)
}

// reconnectDelayLocked computes base * factor^min(attempts, cap) + jitter,
// clamped to the configured maximum.
func (c *conn) reconnectDelayLocked() time.Duration {
	exp := c.attempts - 1
	if limit := c.pool.cfg.Pool.Backoff.AttemptCap; exp > limit {
		exp = limit
	}
	return c.backoff.ForAttempt(float64(exp))
}

func (c *conn) onReconnectTimer(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.StateReconnectWait {
		c.mu.Unlock()
		return
	}
	if c.registry.size() == 0 {
		c.state = models.StateIdle
		st := c.statusLocked()
		c.mu.Unlock()
		go c.pool.notifyStatus(st)
		return
	}
	c.toConnectingLocked()
	c.mu.Unlock()
}

func (c *conn) scheduleHeartbeatLocked() {
	interval, frame := c.adapter.Heartbeat()
	if interval <= 0 {
		return
	}
	gen := c.gen
	c.heartbeatTimer = c.pool.clk.AfterFunc(interval, func() { c.onHeartbeat(gen, frame) })
}

func (c *conn) onHeartbeat(gen int, frame []byte) {
	c.mu.Lock()
	if gen != c.gen || c.state != models.StateOpen || c.transport == nil {
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.scheduleHeartbeatLocked()
	c.mu.Unlock()

	var err error
	if frame == nil {
		err = t.Ping()
	} else {
		err = t.WriteMessage(frame)
	}
	if err != nil {
		// the read loop surfaces the broken transport
		c.log.WithError(err).Warn("heartbeat write failed")
	}
}

func (c *conn) scheduleWatchdogLocked() {
	timeout := c.pool.cfg.Pool.StaleTimeout
	if timeout <= 0 {
		return
	}
	gen := c.gen
	c.watchdogTimer = c.pool.clk.AfterFunc(timeout, func() { c.onWatchdog(gen) })
}

// onWatchdog forces a proactive reconnect when the venue went quiet instead
// of waiting for a passive close that may never arrive.
func (c *conn) onWatchdog(gen int) {
	c.mu.Lock()
	timeout := c.pool.cfg.Pool.StaleTimeout
	if gen != c.gen || c.state != models.StateOpen {
		c.mu.Unlock()
		return
	}
	if c.pool.clk.Now().Sub(c.lastMsg) < timeout {
		c.scheduleWatchdogLocked()
		c.mu.Unlock()
		return
	}

	c.lastErr = "stale session: no inbound message within heartbeat window"
	c.log.Warn("stale session, forcing reconnect")
	c.closeTransportLocked()
	c.stopKeepaliveLocked()
	c.gen++
	c.scheduleReconnectLocked()
	c.mu.Unlock()
}

func (c *conn) closeTransportLocked() {
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
}

func (c *conn) stopKeepaliveLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
		c.watchdogTimer = nil
	}
}

func (c *conn) teardownLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopKeepaliveLocked()
	c.closeTransportLocked()
	c.gen++
	if c.state != models.StateIdle {
		c.state = models.StateIdle
		c.attempts = 0
		st := c.statusLocked()
		go c.pool.notifyStatus(st)
	}
}

func (c *conn) statusLocked() models.ConnStatus {
	return models.ConnStatus{
		Venue:     c.adapter.Name(),
		Channel:   c.channel,
		State:     c.state,
		Attempts:  c.attempts,
		LastError: c.lastErr,
		Timestamp: c.pool.clk.Now(),
	}
}
