package mqttc

// Callbacks receives protocol events from the client. All methods are
// invoked synchronously from the network loop, in the order the events
// occurred; a slow handler therefore stalls the loop. The *Client handle
// passed to each method is borrowed: handlers may call Publish, Subscribe,
// Unsubscribe or Disconnect on it, and those calls are queued onto the same
// loop iteration, but must not retain it past the callback.
//
// Embed NoopCallbacks to implement only the methods of interest.
type Callbacks interface {
	// OnConnect fires when CONNACK resolves a connect attempt. err is nil
	// on success; on refusal it is a *ConnectError.
	OnConnect(c *Client, sessionPresent bool, err error)

	// OnDisconnect fires when the connection ends, gracefully or not.
	// err is nil for a local graceful disconnect, a *DisconnectError for
	// a server DISCONNECT and a *ConnectionLostError for socket failure.
	OnDisconnect(c *Client, err error)

	// OnPublish fires when an outbound publish resolves: on write for
	// QoS 0, on PUBACK for QoS 1, on PUBCOMP for QoS 2. err is a
	// *DeliveryError when the retry budget ran out.
	OnPublish(c *Client, mid uint16, err error)

	// OnSubscribe fires when a SUBACK arrives. grantedQoS holds the
	// server's answer per filter, in request order; a nil entry error
	// means granted.
	OnSubscribe(c *Client, mid uint16, granted []QoS, err error)

	// OnUnsubscribe fires when an UNSUBACK arrives.
	OnUnsubscribe(c *Client, mid uint16, err error)

	// OnMessage fires for every inbound application message, exactly
	// once per message regardless of QoS.
	OnMessage(c *Client, msg *Message)

	// OnReconnecting fires before each automatic reconnect attempt.
	// Call ev.Cancel to stop further attempts.
	OnReconnecting(c *Client, ev *ReconnectEvent)

	// OnLog mirrors every client log record, regardless of the
	// configured logger's level. Unlike the other callbacks it fires
	// from whichever goroutine produced the record.
	OnLog(c *Client, level LogLevel, msg string)
}

// NoopCallbacks implements Callbacks with empty methods. Embed it to
// override only a subset.
type NoopCallbacks struct{}

// OnConnect does nothing.
func (NoopCallbacks) OnConnect(*Client, bool, error) {}

// OnDisconnect does nothing.
func (NoopCallbacks) OnDisconnect(*Client, error) {}

// OnPublish does nothing.
func (NoopCallbacks) OnPublish(*Client, uint16, error) {}

// OnSubscribe does nothing.
func (NoopCallbacks) OnSubscribe(*Client, uint16, []QoS, error) {}

// OnUnsubscribe does nothing.
func (NoopCallbacks) OnUnsubscribe(*Client, uint16, error) {}

// OnMessage does nothing.
func (NoopCallbacks) OnMessage(*Client, *Message) {}

// OnReconnecting does nothing.
func (NoopCallbacks) OnReconnecting(*Client, *ReconnectEvent) {}

// OnLog does nothing.
func (NoopCallbacks) OnLog(*Client, LogLevel, string) {}
