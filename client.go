package mqttc

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client is an MQTT v3.1.1 / v5.0 client. One Client owns one broker
// connection and one network loop.
//
// The loop (Loop, LoopForever or LoopStart) owns the socket, the decoder
// and all protocol dispatch. Publish, Subscribe, Unsubscribe and Disconnect
// are safe from any goroutine: they validate, reserve a message identifier,
// enqueue the encoded packet and return without touching the network.
type Client struct {
	options *clientOptions

	session   *Session
	tracker   *DeliveryTracker
	keepAlive *KeepAlive
	decoder   *Decoder
	logger    *callbackLogger
	callbacks Callbacks

	// Connection target, recorded by Connect for Reconnect.
	broker        string
	bindAddress   string
	keepAliveSecs uint16

	// Socket, owned by the loop between handshakes.
	conn   net.Conn
	connMu sync.Mutex

	// Outbound queue. The loop drains it; everyone else only appends.
	outMu        sync.Mutex
	outq         []outPacket
	writeBuf     []byte // partial write remainder of the head packet
	writeBufItem *outPacket

	outboundMax atomic.Uint32 // server's maximum packet size, v5 CONNACK

	disconnectRequested atomic.Bool
	closed              atomic.Bool

	loopMu      sync.Mutex
	loopRunning atomic.Bool
	loopStop    chan struct{}
	loopDone    chan struct{}

	reconnectActive atomic.Bool
	reconnectCancel atomic.Bool
}

// outPacket is one encoded packet waiting to be written.
type outPacket struct {
	data []byte

	// qos0Publish marks a fire-and-forget publish whose OnPublish fires
	// once the bytes are written.
	qos0Publish bool
}

// NewClient creates a client. It performs no network I/O.
func NewClient(opts ...Option) *Client {
	options := applyOptions(opts...)

	if options.clientID == "" {
		options.clientID = generateClientID()
		// An unnamed session cannot be resumed
		options.cleanSession = true
	}

	c := &Client{
		options:   options,
		session:   NewSession(options.cleanSession),
		tracker:   NewDeliveryTracker(options.retryInterval, options.maxRetries, options.maxInflight),
		keepAlive: NewKeepAlive(0),
		decoder:   NewDecoder(options.protocolVersion, options.maxPacketSize),
		callbacks: options.callbacks,
	}
	c.logger = newCallbackLogger(c, options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}))
	c.outboundMax.Store(options.maxPacketSize)
	return c
}

// ClientID returns the client identifier, including a server-assigned one.
func (c *Client) ClientID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.options.clientID
}

// IsConnected reports whether the session is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.session.State() == StateConnected
}

// State returns the session lifecycle state.
func (c *Client) State() SessionState {
	return c.session.State()
}

// Connect dials the broker and performs the MQTT handshake synchronously.
// host is a hostname or IP, or a full URL for WebSocket dialers; keepalive
// is the keep-alive interval in seconds, zero to disable.
//
// It fails before any network I/O with ErrConnectInProgress or
// ErrAlreadyConnected when a connection attempt or connection already
// exists. A server refusal is returned as a *ConnectError and also
// delivered to OnConnect.
func (c *Client) Connect(host string, port int, keepalive uint16, opts ...ConnectOption) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}

	if err := c.session.BeginConnect(); err != nil {
		return err
	}

	co := &connectOptions{}
	for _, opt := range opts {
		opt(co)
	}

	c.connMu.Lock()
	c.broker = brokerAddress(host, port)
	c.bindAddress = co.bindAddress
	c.keepAliveSecs = keepalive
	c.connMu.Unlock()

	return c.establish(false)
}

// ConnectAsync is Connect with the handshake moved to a background
// goroutine. State errors are still returned synchronously; the handshake
// outcome arrives through OnConnect.
func (c *Client) ConnectAsync(host string, port int, keepalive uint16, opts ...ConnectOption) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidArgument)
	}

	if err := c.session.BeginConnect(); err != nil {
		return err
	}

	co := &connectOptions{}
	for _, opt := range opts {
		opt(co)
	}

	c.connMu.Lock()
	c.broker = brokerAddress(host, port)
	c.bindAddress = co.bindAddress
	c.keepAliveSecs = keepalive
	c.connMu.Unlock()

	go func() {
		if err := c.establish(false); err != nil {
			c.logger.Error("async connect failed", LogFields{LogFieldError: err})
		}
	}()
	return nil
}

// Reconnect redials the broker from the last Connect call. In-flight QoS
// 1/2 handshakes resume when the session is non-clean and the server
// reports session-present; otherwise delivery state is dropped and known
// subscriptions are re-established.
func (c *Client) Reconnect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	c.connMu.Lock()
	broker := c.broker
	c.connMu.Unlock()
	if broker == "" {
		return fmt.Errorf("%w: connect was never called", ErrInvalidArgument)
	}

	if err := c.session.BeginConnect(); err != nil {
		return err
	}
	return c.establish(true)
}

// brokerAddress joins host and port, passing full URLs through untouched
// for WebSocket dialers.
func brokerAddress(host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// dialer picks the transport dialer for this connection attempt.
func (c *Client) dialer() (Dialer, error) {
	if c.options.dialer != nil {
		return c.options.dialer, nil
	}

	if c.options.proxyURL != "" {
		return NewProxyDialer(c.options.proxyURL, c.options.proxyUser, c.options.proxyPass)
	}

	if c.options.tlsConfig != nil {
		return &TLSDialer{
			Config:      c.options.tlsConfig,
			Timeout:     c.options.connectTimeout,
			BindAddress: c.bindAddress,
		}, nil
	}

	return &TCPDialer{
		Timeout:     c.options.connectTimeout,
		BindAddress: c.bindAddress,
	}, nil
}

// establish dials and performs the CONNECT/CONNACK handshake. The session
// must already be in the Connecting state.
func (c *Client) establish(isReconnect bool) error {
	err := c.handshake(isReconnect)
	if err != nil {
		c.session.Close()
		c.callbacks.OnConnect(c, false, err)
		return err
	}
	return nil
}

func (c *Client) handshake(isReconnect bool) error {
	version := c.options.protocolVersion

	dialer, err := c.dialer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.options.connectTimeout)
	defer cancel()

	c.logger.Debug("dialing broker", LogFields{LogFieldBroker: c.broker})

	conn, err := dialer.Dial(ctx, c.broker)
	if err != nil {
		return NewConnectionLostError(err)
	}

	pkt, err := c.buildConnect()
	if err != nil {
		conn.Close()
		return err
	}

	// A previous server's packet size limit does not carry over
	c.outboundMax.Store(c.options.maxPacketSize)

	deadline := time.Now().Add(c.options.connectTimeout)
	conn.SetDeadline(deadline)

	if _, err := WritePacket(conn, pkt, version, c.outboundMax.Load()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send CONNECT: %w", err)
	}

	connack, err := c.readConnackWithAuth(conn, version)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetDeadline(time.Time{})

	if !connack.Accepted(version) {
		conn.Close()
		if version == MQTTv5 {
			return NewConnectError(connack.ReasonCode, &connack.Props)
		}
		return NewConnectReturnError(connack.ReturnCode)
	}

	keepAliveSecs := c.keepAliveSecs
	if version == MQTTv5 {
		if assigned := connack.Props.GetString(PropAssignedClientIdentifier); assigned != "" {
			c.connMu.Lock()
			c.options.clientID = assigned
			c.connMu.Unlock()
			c.logger.swap(c.options.logger.WithFields(LogFields{LogFieldClientID: assigned}))
		}
		if connack.Props.Has(PropServerKeepAlive) {
			keepAliveSecs = connack.Props.GetUint16(PropServerKeepAlive)
		}
		if connack.Props.Has(PropMaximumPacketSize) {
			maxSize := connack.Props.GetUint32(PropMaximumPacketSize)
			if maxSize == 0 || maxSize > MaxPacketSizeProtocol {
				conn.Close()
				return fmt.Errorf("invalid maximum packet size from server: %w", ErrProtocolViolation)
			}
			c.outboundMax.Store(maxSize)
		}
	}

	if err := c.session.CompleteConnect(connack.SessionPresent); err != nil {
		conn.Close()
		return err
	}

	now := time.Now()
	c.keepAlive.SetInterval(keepAliveSecs)
	c.keepAlive.Reset(now)
	c.decoder.Reset()
	c.disconnectRequested.Store(false)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.outMu.Lock()
	c.outq = nil
	c.writeBuf = nil
	c.writeBufItem = nil
	c.outMu.Unlock()

	c.logger.Info("connected", LogFields{
		LogFieldBroker:    c.broker,
		"session_present": connack.SessionPresent,
	})

	if connack.SessionPresent && !c.options.cleanSession {
		c.resumeDeliveries(now)
	} else {
		c.tracker.Clear()
		if isReconnect {
			c.resubscribe()
		}
	}

	c.callbacks.OnConnect(c, connack.SessionPresent, nil)
	return nil
}

// buildConnect assembles the CONNECT packet from the options.
func (c *Client) buildConnect() (*ConnectPacket, error) {
	o := c.options

	pkt := &ConnectPacket{
		ClientID:   o.clientID,
		CleanStart: o.cleanSession,
		KeepAlive:  c.keepAliveSecs,
		Username:   o.username,
		Password:   o.password,
	}

	if o.willTopic != "" {
		if err := ValidatePublishTopic(o.willTopic); err != nil {
			return nil, err
		}
		pkt.WillFlag = true
		pkt.WillTopic = o.willTopic
		pkt.WillPayload = o.willPayload
		pkt.WillRetain = o.willRetain
		pkt.WillQoS = o.willQoS
		if o.protocolVersion == MQTTv5 {
			pkt.WillProps = o.willProps
		}
	}

	if o.protocolVersion == MQTTv5 {
		if o.sessionExpiryInterval > 0 {
			pkt.Props.Set(PropSessionExpiryInterval, o.sessionExpiryInterval)
		}
		if o.receiveMaximum > 0 && o.receiveMaximum < maxUint16 {
			pkt.Props.Set(PropReceiveMaximum, o.receiveMaximum)
		}
		if o.maxPacketSize > 0 {
			pkt.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
		}
		for key, value := range o.userProperties {
			if err := pkt.Props.Add(CtxCONNECT, PropUserProperty, StringPair{Key: key, Value: value}); err != nil {
				return nil, err
			}
		}
		if o.enhancedAuth != nil {
			data, err := o.enhancedAuth.InitialData()
			if err != nil {
				return nil, fmt.Errorf("enhanced auth start failed: %w", err)
			}
			pkt.Props.Set(PropAuthenticationMethod, o.enhancedAuth.Method())
			if len(data) > 0 {
				pkt.Props.Set(PropAuthenticationData, data)
			}
		}
	}

	return pkt, nil
}

// readConnackWithAuth reads the handshake response, answering AUTH
// challenges until CONNACK arrives.
func (c *Client) readConnackWithAuth(conn net.Conn, version ProtocolVersion) (*ConnackPacket, error) {
	for {
		pkt, _, err := ReadPacket(conn, version, c.options.maxPacketSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read handshake response: %w", err)
		}

		switch p := pkt.(type) {
		case *ConnackPacket:
			if version == MQTTv5 && c.options.enhancedAuth != nil {
				// The server's final auth data may ride on CONNACK
				if data := p.Props.GetBinary(PropAuthenticationData); len(data) > 0 {
					if err := c.options.enhancedAuth.Verify(data); err != nil {
						return nil, err
					}
				}
			}
			return p, nil

		case *AuthPacket:
			if c.options.enhancedAuth == nil {
				return nil, fmt.Errorf("unexpected AUTH packet: %w", ErrProtocolViolation)
			}

			switch p.ReasonCode {
			case ReasonContinueAuth:
				resp, err := c.options.enhancedAuth.Continue(p.Data())
				if err != nil {
					return nil, err
				}

				auth := &AuthPacket{ReasonCode: ReasonContinueAuth}
				auth.Props.Set(PropAuthenticationMethod, c.options.enhancedAuth.Method())
				if len(resp) > 0 {
					auth.Props.Set(PropAuthenticationData, resp)
				}
				if _, err := WritePacket(conn, auth, version, c.outboundMax.Load()); err != nil {
					return nil, fmt.Errorf("failed to send AUTH: %w", err)
				}

			case ReasonSuccess:
				if data := p.Data(); len(data) > 0 {
					if err := c.options.enhancedAuth.Verify(data); err != nil {
						return nil, err
					}
				}

			default:
				return nil, fmt.Errorf("%w: %s", ErrAuthFailed, p.ReasonCode)
			}

		case *DisconnectPacket:
			return nil, NewDisconnectError(p.ReasonCode, &p.Props, true)

		default:
			return nil, fmt.Errorf("expected CONNACK, got %s: %w", pkt.Type(), ErrProtocolViolation)
		}
	}
}

// resumeDeliveries queues retransmissions for every unresolved handshake
// after a non-clean reconnect with session-present.
func (c *Client) resumeDeliveries(now time.Time) {
	c.tracker.ResetForResume(now)

	for _, d := range c.tracker.Pending() {
		if pkt, ok := c.stagePacket(d, true); ok {
			if err := c.enqueue(pkt, false); err != nil {
				c.logger.Warn("failed to queue resumed delivery", LogFields{
					LogFieldMID:   d.MID,
					LogFieldError: err,
				})
			}
		}
	}
}

// resubscribe re-establishes every acknowledged subscription with fresh
// message identifiers. Used after a reconnect where the server reports no
// session.
func (c *Client) resubscribe() {
	subs := c.session.Subscriptions()
	if len(subs) == 0 {
		return
	}

	for _, granted := range subs {
		if _, err := c.SubscribeMany([]Subscription{granted.Subscription}); err != nil {
			c.logger.Warn("resubscribe failed", LogFields{
				LogFieldTopic: granted.TopicFilter,
				LogFieldError: err,
			})
		}
	}
}

// stagePacket builds the wire packet for the current stage of an
// unresolved delivery: PUBLISH with DUP, PUBREL, SUBSCRIBE or UNSUBSCRIBE.
func (c *Client) stagePacket(d *OutboundDelivery, dup bool) (Packet, bool) {
	switch d.Kind {
	case DeliverPublish:
		if d.State == StateAwaitingPubcomp {
			return &PubrelPacket{ackPacket: ackPacket{ID: d.MID, ReasonCode: ReasonSuccess}}, true
		}
		pub := &PublishPacket{}
		pub.FromMessage(d.Message)
		pub.ID = d.MID
		pub.DUP = dup
		return pub, true

	case DeliverSubscribe:
		return &SubscribePacket{ID: d.MID, Subscriptions: d.Subscriptions}, true

	case DeliverUnsubscribe:
		return &UnsubscribePacket{ID: d.MID, TopicFilters: d.TopicFilters}, true
	}
	return nil, false
}

// Publish queues an application message. The returned message identifier
// is zero for QoS 0. Completion is reported through OnPublish: after the
// write for QoS 0, after PUBACK for QoS 1, after PUBCOMP for QoS 2.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) (uint16, error) {
	return c.PublishMessage(&Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
}

// PublishMessage queues an application message with full control over the
// v5 message fields.
func (c *Client) PublishMessage(msg *Message) (uint16, error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}
	if msg == nil {
		return 0, fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	if !msg.QoS.Valid() {
		return 0, fmt.Errorf("%w: qos %d", ErrInvalidArgument, msg.QoS)
	}
	if err := ValidatePublishTopic(msg.Topic); err != nil {
		return 0, err
	}
	if c.session.State() != StateConnected {
		return 0, ErrNotConnected
	}

	if c.options.publishLimit != nil && !c.options.publishLimit.Allow() {
		return 0, ErrRateLimited
	}

	if msg.QoS == QoS0 {
		pkt := &PublishPacket{}
		pkt.FromMessage(msg)
		if err := c.enqueue(pkt, true); err != nil {
			return 0, err
		}
		return 0, nil
	}

	mid, err := c.tracker.Allocate()
	if err != nil {
		return 0, err
	}
	if err := c.tracker.TrackPublish(mid, msg.Clone()); err != nil {
		return 0, err
	}

	pkt := &PublishPacket{}
	pkt.FromMessage(msg)
	pkt.ID = mid

	if err := c.enqueue(pkt, false); err != nil {
		c.tracker.Release(mid)
		return 0, err
	}
	return mid, nil
}

// Subscribe queues a SUBSCRIBE for one topic filter. The grant arrives
// through OnSubscribe with the returned message identifier.
func (c *Client) Subscribe(filter string, qos QoS) (uint16, error) {
	return c.SubscribeMany([]Subscription{{TopicFilter: filter, QoS: qos}})
}

// SubscribeMany queues one SUBSCRIBE carrying several subscriptions.
func (c *Client) SubscribeMany(subs []Subscription) (uint16, error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}
	if len(subs) == 0 {
		return 0, fmt.Errorf("%w: no subscriptions", ErrInvalidArgument)
	}
	for _, sub := range subs {
		if err := ValidateSubscribeFilter(sub.TopicFilter); err != nil {
			return 0, err
		}
		if !sub.QoS.Valid() {
			return 0, fmt.Errorf("%w: qos %d", ErrInvalidArgument, sub.QoS)
		}
	}
	if c.session.State() != StateConnected {
		return 0, ErrNotConnected
	}

	mid, err := c.tracker.Allocate()
	if err != nil {
		return 0, err
	}
	c.tracker.TrackSubscribe(mid, subs)

	pkt := &SubscribePacket{ID: mid, Subscriptions: subs}
	if err := c.enqueue(pkt, false); err != nil {
		c.tracker.Release(mid)
		return 0, err
	}
	return mid, nil
}

// Unsubscribe queues an UNSUBSCRIBE for the given filters. The result
// arrives through OnUnsubscribe with the returned message identifier.
func (c *Client) Unsubscribe(filters ...string) (uint16, error) {
	if c.closed.Load() {
		return 0, ErrClientClosed
	}
	if len(filters) == 0 {
		return 0, fmt.Errorf("%w: no topic filters", ErrInvalidArgument)
	}
	for _, filter := range filters {
		if err := ValidateSubscribeFilter(filter); err != nil {
			return 0, err
		}
	}
	if c.session.State() != StateConnected {
		return 0, ErrNotConnected
	}

	mid, err := c.tracker.Allocate()
	if err != nil {
		return 0, err
	}
	c.tracker.TrackUnsubscribe(mid, filters)

	pkt := &UnsubscribePacket{ID: mid, TopicFilters: filters}
	if err := c.enqueue(pkt, false); err != nil {
		c.tracker.Release(mid)
		return 0, err
	}
	return mid, nil
}

// Disconnect requests a graceful disconnect: a DISCONNECT packet is queued
// and the loop closes the connection after flushing it. OnDisconnect fires
// with a nil error when the teardown completes.
func (c *Client) Disconnect() error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	if err := c.session.BeginDisconnect(); err != nil {
		return err
	}

	pkt := &DisconnectPacket{ReasonCode: ReasonSuccess}
	if err := c.enqueue(pkt, false); err != nil {
		return err
	}
	c.disconnectRequested.Store(true)
	return nil
}

// Close tears the client down: it cancels reconnects, stops a background
// loop, closes the socket and marks the client unusable.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.reconnectCancel.Store(true)

	c.LoopStop()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.session.Close()
	return nil
}

// enqueue encodes a packet and appends it to the outbound queue.
func (c *Client) enqueue(pkt Packet, qos0Publish bool) error {
	var buf bytes.Buffer
	if _, err := WritePacket(&buf, pkt, c.options.protocolVersion, c.outboundMax.Load()); err != nil {
		return err
	}

	c.outMu.Lock()
	c.outq = append(c.outq, outPacket{data: buf.Bytes(), qos0Publish: qos0Publish})
	c.outMu.Unlock()
	return nil
}
