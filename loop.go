package mqttc

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrLoopRunning is returned by LoopStart when a background loop is
// already active.
var ErrLoopRunning = errors.New("network loop already running")

const (
	// defaultLoopTimeout is the read granularity of LoopForever and the
	// background loop. Queued outbound packets wait at most this long.
	defaultLoopTimeout = 250 * time.Millisecond

	// idleWait is the poll interval while waiting for a connection to
	// appear (async connect or reconnect in progress).
	idleWait = 50 * time.Millisecond

	readChunkSize = 4096
)

// Loop runs one iteration of the network loop: flush queued writes, read
// from the socket for at most timeout, decode and dispatch every complete
// packet, then service the keepalive and retransmission schedules.
//
// Callbacks fire synchronously from inside Loop. On connection loss the
// socket is torn down, OnDisconnect fires, and the error is returned;
// automatic reconnection, when enabled, proceeds in the background.
func (c *Client) Loop(timeout time.Duration) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.flushWrites(conn); err != nil {
		c.connectionLost(conn, err)
		return err
	}

	if c.disconnectRequested.Load() && c.queueEmpty() {
		c.finishDisconnect(conn)
		return nil
	}

	if err := c.readAndDispatch(conn, c.readTimeout(timeout)); err != nil {
		c.connectionLost(conn, err)
		return err
	}

	if err := c.serviceTimers(); err != nil {
		c.connectionLost(conn, err)
		return err
	}

	if err := c.flushWrites(conn); err != nil {
		c.connectionLost(conn, err)
		return err
	}

	if c.disconnectRequested.Load() && c.queueEmpty() {
		c.finishDisconnect(conn)
	}
	return nil
}

// LoopForever drives the loop until the client disconnects for good: a
// graceful Disconnect returns nil, a fatal connection loss without
// auto-reconnect returns the error. With auto-reconnect enabled it keeps
// running across connection losses.
func (c *Client) LoopForever() error {
	return c.run(nil)
}

// LoopStart runs the loop in a background goroutine. Use LoopStop to stop
// it; it also exits on its own once the client disconnects for good.
func (c *Client) LoopStart() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.loopMu.Lock()
	if c.loopRunning.Load() {
		c.loopMu.Unlock()
		return ErrLoopRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.loopStop = stop
	c.loopDone = done
	c.loopRunning.Store(true)
	c.loopMu.Unlock()

	go func() {
		defer close(done)
		defer c.loopRunning.Store(false)

		if err := c.run(stop); err != nil && !errors.Is(err, ErrClientClosed) {
			c.logger.Error("network loop exited", LogFields{LogFieldError: err})
		}
	}()
	return nil
}

// LoopStop stops a background loop started with LoopStart and waits for it
// to finish. It is a no-op when no loop is running.
func (c *Client) LoopStop() {
	c.loopMu.Lock()
	stop := c.loopStop
	done := c.loopDone
	c.loopStop = nil
	c.loopDone = nil
	c.loopMu.Unlock()

	if stop == nil || done == nil {
		return
	}
	close(stop)
	<-done
}

// run is the shared body of LoopForever and the background loop.
func (c *Client) run(stop <-chan struct{}) error {
	for {
		if stop != nil {
			select {
			case <-stop:
				return nil
			default:
			}
		}
		if c.closed.Load() {
			return ErrClientClosed
		}

		switch c.session.State() {
		case StateDisconnected:
			if c.reconnectActive.Load() {
				time.Sleep(idleWait)
				continue
			}
			return nil

		case StateConnecting:
			time.Sleep(idleWait)

		default:
			if err := c.Loop(defaultLoopTimeout); err != nil {
				if errors.Is(err, ErrNotConnected) {
					continue
				}
				if !c.options.autoReconnect {
					return err
				}
			}
		}
	}
}

// queueEmpty reports whether everything queued has hit the wire.
func (c *Client) queueEmpty() bool {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.outq) == 0 && len(c.writeBuf) == 0
}

// flushWrites writes queued packets, tolerating partial writes: a write
// cut short by the deadline leaves the remainder buffered for the next
// iteration. Returns an error only for fatal socket failures.
func (c *Client) flushWrites(conn net.Conn) error {
	var qos0Done int

	c.outMu.Lock()
	for {
		if len(c.writeBuf) == 0 {
			if c.writeBufItem != nil {
				if c.writeBufItem.qos0Publish {
					qos0Done++
				}
				c.writeBufItem = nil
				c.keepAlive.PacketSent(time.Now())
			}
			if len(c.outq) == 0 {
				break
			}
			item := c.outq[0]
			c.outq = c.outq[1:]
			c.writeBuf = item.data
			c.writeBufItem = &item
		}

		if c.options.writeTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.options.writeTimeout))
		}
		n, err := conn.Write(c.writeBuf)
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// partial write, resume next iteration
				break
			}
			c.outMu.Unlock()
			return err
		}
	}
	c.outMu.Unlock()

	// Callbacks fire outside outMu so handlers can publish.
	for i := 0; i < qos0Done; i++ {
		c.callbacks.OnPublish(c, 0, nil)
	}
	return nil
}

// readTimeout caps the read wait so the loop wakes in time for the next
// keepalive deadline.
func (c *Client) readTimeout(timeout time.Duration) time.Duration {
	deadline := c.keepAlive.NextDeadline()
	if deadline.IsZero() {
		return timeout
	}
	if until := time.Until(deadline); until < timeout {
		if until < time.Millisecond {
			until = time.Millisecond
		}
		return until
	}
	return timeout
}

// readAndDispatch reads once from the socket with the given timeout, feeds
// the decoder and dispatches every complete packet.
func (c *Client) readAndDispatch(conn net.Conn, timeout time.Duration) error {
	buf := make([]byte, readChunkSize)

	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if n > 0 {
		c.keepAlive.PacketReceived(time.Now())
		c.decoder.Feed(buf[:n])
	}
	if err != nil {
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			return err
		}
	}

	for {
		before := c.decoder.Buffered()
		pkt, err := c.decoder.Next()
		if errors.Is(err, ErrIncompletePacket) {
			return nil
		}
		if err != nil {
			// A consumed frame with bad contents is recoverable; a
			// framing error leaves the stream position ambiguous.
			if c.decoder.Buffered() < before {
				c.logger.Warn("dropping malformed packet", LogFields{LogFieldError: err})
				continue
			}
			return err
		}

		if err := c.handlePacket(pkt); err != nil {
			return err
		}
	}
}

// handlePacket dispatches one inbound packet. A returned error tears the
// connection down.
func (c *Client) handlePacket(pkt Packet) error {
	version := c.options.protocolVersion

	switch p := pkt.(type) {
	case *PublishPacket:
		return c.handleInboundPublish(p)

	case *PubackPacket:
		if _, ok := c.tracker.HandlePuback(p.ID); !ok {
			c.logger.Debug("PUBACK for unknown identifier", LogFields{LogFieldMID: p.ID})
			return nil
		}
		var deliveryErr error
		if version == MQTTv5 && p.ReasonCode.IsError() {
			deliveryErr = fmt.Errorf("%w: %s", ErrDeliveryFailed, p.ReasonCode)
		}
		c.callbacks.OnPublish(c, p.ID, deliveryErr)

	case *PubrecPacket:
		if version == MQTTv5 && p.ReasonCode.IsError() {
			// The flow ends here; the identifier becomes free again
			c.tracker.Release(p.ID)
			c.callbacks.OnPublish(c, p.ID, fmt.Errorf("%w: %s", ErrDeliveryFailed, p.ReasonCode))
			return nil
		}
		if _, ok := c.tracker.HandlePubrec(p.ID); !ok {
			c.logger.Debug("PUBREC for unknown identifier", LogFields{LogFieldMID: p.ID})
			return nil
		}
		rel := &PubrelPacket{ackPacket: ackPacket{ID: p.ID, ReasonCode: ReasonSuccess}}
		return c.enqueue(rel, false)

	case *PubcompPacket:
		if _, ok := c.tracker.HandlePubcomp(p.ID); !ok {
			c.logger.Debug("PUBCOMP for unknown identifier", LogFields{LogFieldMID: p.ID})
			return nil
		}
		c.callbacks.OnPublish(c, p.ID, nil)

	case *PubrelPacket:
		if !c.tracker.HandlePubrel(p.ID) {
			c.logger.Debug("PUBREL for unknown identifier", LogFields{LogFieldMID: p.ID})
			return nil
		}
		comp := &PubcompPacket{ackPacket: ackPacket{ID: p.ID, ReasonCode: ReasonSuccess}}
		return c.enqueue(comp, false)

	case *SubackPacket:
		c.handleSuback(p)

	case *UnsubackPacket:
		c.handleUnsuback(p)

	case *PingrespPacket:
		c.keepAlive.PongReceived(time.Now())

	case *DisconnectPacket:
		return NewDisconnectError(p.ReasonCode, &p.Props, true)

	case *AuthPacket:
		// Server-initiated re-authentication is not supported
		c.logger.Warn("ignoring AUTH packet outside handshake", LogFields{
			LogFieldReasonCode: p.ReasonCode.String(),
		})

	default:
		c.logger.Warn("ignoring unexpected packet", LogFields{
			LogFieldPacketType: pkt.Type().String(),
		})
	}
	return nil
}

// handleInboundPublish delivers an application message and answers with
// the acknowledgement its QoS requires. Inbound QoS 2 deduplicates: a
// duplicate PUBLISH mid-handshake is acknowledged but not redelivered.
func (c *Client) handleInboundPublish(p *PublishPacket) error {
	switch p.QoS {
	case QoS0:
		c.callbacks.OnMessage(c, p.ToMessage())
		return nil

	case QoS1:
		c.callbacks.OnMessage(c, p.ToMessage())
		ack := &PubackPacket{ackPacket: ackPacket{ID: p.ID, ReasonCode: ReasonSuccess}}
		return c.enqueue(ack, false)

	case QoS2:
		if c.tracker.TrackInbound(p.ID) {
			c.callbacks.OnMessage(c, p.ToMessage())
		} else {
			c.logger.Debug("duplicate QoS 2 PUBLISH suppressed", LogFields{LogFieldMID: p.ID})
		}
		rec := &PubrecPacket{ackPacket: ackPacket{ID: p.ID, ReasonCode: ReasonSuccess}}
		return c.enqueue(rec, false)
	}
	return nil
}

// handleSuback resolves a SUBSCRIBE, recording granted subscriptions. Per
// filter the granted slice holds the granted QoS, or QoS(SubackFailure)
// for a refused filter.
func (c *Client) handleSuback(p *SubackPacket) {
	d, ok := c.tracker.HandleSuback(p.ID)
	if !ok {
		c.logger.Debug("SUBACK for unknown identifier", LogFields{LogFieldMID: p.ID})
		return
	}

	version := c.options.protocolVersion
	granted := make([]QoS, len(p.ReasonCodes))
	for i, rc := range p.ReasonCodes {
		failed := byte(rc) == SubackFailure
		if version == MQTTv5 {
			failed = rc.IsError()
		}
		if failed {
			granted[i] = QoS(SubackFailure)
			continue
		}

		granted[i] = QoS(rc)
		if i < len(d.Subscriptions) {
			c.session.RecordSubscription(d.Subscriptions[i], QoS(rc))
		}
	}

	c.callbacks.OnSubscribe(c, p.ID, granted, nil)
}

// handleUnsuback resolves an UNSUBSCRIBE and drops the filters from the
// session.
func (c *Client) handleUnsuback(p *UnsubackPacket) {
	d, ok := c.tracker.HandleUnsuback(p.ID)
	if !ok {
		c.logger.Debug("UNSUBACK for unknown identifier", LogFields{LogFieldMID: p.ID})
		return
	}

	for _, filter := range d.TopicFilters {
		c.session.RemoveSubscription(filter)
	}
	c.callbacks.OnUnsubscribe(c, p.ID, nil)
}

// serviceTimers drives the keepalive and retransmission schedules.
func (c *Client) serviceTimers() error {
	now := time.Now()

	if c.keepAlive.Expired(now) {
		return ErrKeepAliveTimeout
	}

	if c.keepAlive.PingDue(now) {
		if err := c.enqueue(&PingreqPacket{}, false); err != nil {
			return err
		}
		c.keepAlive.PingSent(now)
		c.logger.Debug("PINGREQ queued", nil)
	}

	for _, d := range c.tracker.DueRetries(now) {
		pkt, ok := c.stagePacket(d, true)
		if !ok {
			continue
		}
		c.logger.Debug("retransmitting", LogFields{
			LogFieldMID:     d.MID,
			LogFieldAttempt: d.Attempts,
		})
		if err := c.enqueue(pkt, false); err != nil {
			c.logger.Warn("failed to queue retransmission", LogFields{
				LogFieldMID:   d.MID,
				LogFieldError: err,
			})
		}
	}

	for _, d := range c.tracker.Expired(now) {
		c.notifyExpired(d)
	}

	c.tracker.CleanupCompleted(now)
	return nil
}

// notifyExpired reports a delivery whose retry budget ran out. The session
// stays up.
func (c *Client) notifyExpired(d *OutboundDelivery) {
	topic := ""
	if d.Message != nil {
		topic = d.Message.Topic
	}
	err := NewDeliveryError(d.MID, topic, d.Attempts)

	c.logger.Warn("delivery abandoned", LogFields{
		LogFieldMID:     d.MID,
		LogFieldTopic:   topic,
		LogFieldAttempt: d.Attempts,
	})

	switch d.Kind {
	case DeliverPublish:
		c.callbacks.OnPublish(c, d.MID, err)
	case DeliverSubscribe:
		c.callbacks.OnSubscribe(c, d.MID, nil, err)
	case DeliverUnsubscribe:
		c.callbacks.OnUnsubscribe(c, d.MID, err)
	}
}

// abortPending resolves every unresolved QoS 1/2 handshake before a clean
// session drops its delivery state, so nobody waits on an acknowledgement
// that can no longer arrive.
func (c *Client) abortPending(cause error) {
	for _, d := range c.tracker.Pending() {
		c.logger.Debug("aborting unresolved delivery", LogFields{LogFieldMID: d.MID})
		switch d.Kind {
		case DeliverPublish:
			c.callbacks.OnPublish(c, d.MID, cause)
		case DeliverSubscribe:
			c.callbacks.OnSubscribe(c, d.MID, nil, cause)
		case DeliverUnsubscribe:
			c.callbacks.OnUnsubscribe(c, d.MID, cause)
		}
	}
}

// finishDisconnect completes a local graceful disconnect once the
// DISCONNECT packet has been flushed.
func (c *Client) finishDisconnect(conn net.Conn) {
	conn.Close()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	if c.options.cleanSession {
		c.abortPending(fmt.Errorf("%w before delivery completed", ErrDisconnected))
	}
	c.teardownState()
	c.disconnectRequested.Store(false)

	c.logger.Info("disconnected", LogFields{LogFieldBroker: c.broker})
	c.callbacks.OnDisconnect(c, nil)
}

// connectionLost tears down after a socket failure, keepalive expiry or
// server DISCONNECT, then kicks off auto-reconnect when configured.
func (c *Client) connectionLost(conn net.Conn, cause error) {
	conn.Close()

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	var evErr error
	var dcErr *DisconnectError
	var clErr *ConnectionLostError
	switch {
	case errors.As(cause, &dcErr):
		evErr = cause
	case errors.As(cause, &clErr):
		evErr = cause
	default:
		evErr = NewConnectionLostError(cause)
	}

	if c.options.cleanSession {
		c.abortPending(evErr)
	}
	c.teardownState()
	c.disconnectRequested.Store(false)

	c.logger.Warn("connection lost", LogFields{
		LogFieldBroker: c.broker,
		LogFieldError:  cause,
	})
	c.callbacks.OnDisconnect(c, evErr)

	if c.options.autoReconnect && !c.closed.Load() {
		if c.reconnectActive.CompareAndSwap(false, true) {
			go c.reconnectLoop()
		}
	}
}

// teardownState resets per-connection state. Delivery state survives only
// for non-clean sessions.
func (c *Client) teardownState() {
	c.session.Close()
	c.decoder.Reset()

	c.outMu.Lock()
	c.outq = nil
	c.writeBuf = nil
	c.writeBufItem = nil
	c.outMu.Unlock()

	if c.options.cleanSession {
		c.tracker.Clear()
	}
}

// reconnectLoop retries the connection according to the reconnect policy
// until it succeeds, the policy gives up, or the client is closed.
func (c *Client) reconnectLoop() {
	defer c.reconnectActive.Store(false)
	c.reconnectCancel.Store(false)

	policy := c.options.reconnectPolicy
	for attempt := 1; ; attempt++ {
		if c.closed.Load() || c.reconnectCancel.Load() {
			return
		}

		delay, ok := policy.NextDelay(attempt)
		if !ok {
			c.logger.Warn("reconnect attempts exhausted", LogFields{LogFieldAttempt: attempt})
			return
		}

		ev := NewReconnectEvent(attempt, delay, func() {
			c.reconnectCancel.Store(true)
		})
		c.callbacks.OnReconnecting(c, ev)
		if c.reconnectCancel.Load() {
			return
		}

		c.logger.Info("reconnecting", LogFields{
			LogFieldBroker:  c.broker,
			LogFieldAttempt: attempt,
		})
		time.Sleep(delay)
		if c.closed.Load() || c.reconnectCancel.Load() {
			return
		}

		err := c.Reconnect()
		if err == nil {
			return
		}
		if errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrConnectInProgress) {
			return
		}
		c.logger.Warn("reconnect attempt failed", LogFields{
			LogFieldAttempt: attempt,
			LogFieldError:   err,
		})
	}
}
