package mqttc

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates a TCP server that accepts one connection and runs a handler.
func mockServer(t *testing.T, handler func(net.Conn)) (string, int, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()

	cleanup := func() {
		listener.Close()
		wg.Wait()
	}

	return "127.0.0.1", listener.Addr().(*net.TCPAddr).Port, cleanup
}

// sendConnack sends a CONNACK packet to the connection.
func sendConnack(conn net.Conn, version ProtocolVersion, sessionPresent bool, rc ReasonCode) error {
	pkt := &ConnackPacket{
		SessionPresent: sessionPresent,
		ReasonCode:     rc,
	}
	_, err := WritePacket(conn, pkt, version, 256*1024)
	return err
}

// readConnect reads a CONNECT packet from the connection.
func readConnect(t *testing.T, conn net.Conn, version ProtocolVersion) *ConnectPacket {
	t.Helper()

	pkt, _, err := ReadPacket(conn, version, 256*1024)
	require.NoError(t, err)

	connectPkt, ok := pkt.(*ConnectPacket)
	require.True(t, ok, "expected CONNECT packet, got %T", pkt)

	return connectPkt
}

// recordingCallbacks collects every callback invocation for assertions.
type recordingCallbacks struct {
	NoopCallbacks

	mu           sync.Mutex
	connects     []error
	disconnects  []error
	publishes    map[uint16]error
	subscribes   map[uint16][]QoS
	unsubscribes map[uint16]error
	messages     []*Message
	reconnects   []int
	logs         []string
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		publishes:    make(map[uint16]error),
		subscribes:   make(map[uint16][]QoS),
		unsubscribes: make(map[uint16]error),
	}
}

func (r *recordingCallbacks) OnConnect(_ *Client, _ bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, err)
}

func (r *recordingCallbacks) OnDisconnect(_ *Client, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func (r *recordingCallbacks) OnPublish(_ *Client, mid uint16, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishes[mid] = err
}

func (r *recordingCallbacks) OnSubscribe(_ *Client, mid uint16, granted []QoS, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribes[mid] = granted
}

func (r *recordingCallbacks) OnUnsubscribe(_ *Client, mid uint16, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribes[mid] = err
}

func (r *recordingCallbacks) OnMessage(_ *Client, msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingCallbacks) OnReconnecting(_ *Client, ev *ReconnectEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, ev.Attempt)
}

func (r *recordingCallbacks) OnLog(_ *Client, _ LogLevel, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, msg)
}

func (r *recordingCallbacks) publishResult(mid uint16) (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err, ok := r.publishes[mid]
	return err, ok
}

func (r *recordingCallbacks) grantedFor(mid uint16) ([]QoS, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	granted, ok := r.subscribes[mid]
	return granted, ok
}

func (r *recordingCallbacks) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingCallbacks) disconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnects)
}

// loopUntil drives the client loop until cond holds or the deadline passes.
func loopUntil(t *testing.T, c *Client, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		if err := c.Loop(20 * time.Millisecond); err != nil {
			if cond() {
				return
			}
			require.NoError(t, err)
		}
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectSuccess(t *testing.T) {
	var received *ConnectPacket

	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		received = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	assert.True(t, client.IsConnected())
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, "test-client", client.ClientID())
	assert.Equal(t, "test-client", received.ClientID)
	assert.Equal(t, uint16(60), received.KeepAlive)
	assert.True(t, received.CleanStart)
}

func TestConnectWithCredentials(t *testing.T) {
	var received *ConnectPacket

	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		received = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(
		WithClientID("test-client"),
		WithCredentials("user", "pass"),
	)
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	assert.Equal(t, "user", received.Username)
	assert.Equal(t, []byte("pass"), received.Password)
}

func TestConnectRefused(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonBadUserNameOrPassword))
	})
	defer cleanup()

	cb := newRecordingCallbacks()
	client := NewClient(WithClientID("test-client"), WithCallbacks(cb))
	defer client.Close()

	err := client.Connect(host, port, 60)
	require.Error(t, err)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ReasonBadUserNameOrPassword, connErr.ReasonCode)

	assert.Equal(t, StateDisconnected, client.State())
	require.Len(t, cb.connects, 1)
	assert.Error(t, cb.connects[0])
}

func TestConnectV311(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var received *ConnectPacket

		host, port, cleanup := mockServer(t, func(conn net.Conn) {
			received = readConnect(t, conn, MQTTv311)
			pkt := &ConnackPacket{ReturnCode: ConnectAccepted}
			_, err := WritePacket(conn, pkt, MQTTv311, 256*1024)
			assert.NoError(t, err)
			time.Sleep(100 * time.Millisecond)
		})
		defer cleanup()

		client := NewClient(
			WithClientID("v311-client"),
			WithProtocolVersion(MQTTv311),
		)
		defer client.Close()

		require.NoError(t, client.Connect(host, port, 30))
		assert.True(t, client.IsConnected())
		assert.Equal(t, "v311-client", received.ClientID)
	})

	t.Run("refused", func(t *testing.T) {
		host, port, cleanup := mockServer(t, func(conn net.Conn) {
			_ = readConnect(t, conn, MQTTv311)
			pkt := &ConnackPacket{ReturnCode: ConnectRefusedNotAuthorized}
			_, err := WritePacket(conn, pkt, MQTTv311, 256*1024)
			assert.NoError(t, err)
		})
		defer cleanup()

		client := NewClient(
			WithClientID("v311-client"),
			WithProtocolVersion(MQTTv311),
		)
		defer client.Close()

		err := client.Connect(host, port, 30)
		require.Error(t, err)

		var connErr *ConnectError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, ConnectRefusedNotAuthorized, connErr.ReturnCode)
	})
}

func TestConnectStateErrors(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(200 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	err := client.Connect(host, port, 60)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectEmptyHost(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	err := client.Connect("", 1883, 60)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConnectConnectionRefused(t *testing.T) {
	client := NewClient(
		WithClientID("test-client"),
		WithConnectTimeout(time.Second),
	)
	defer client.Close()

	err := client.Connect("127.0.0.1", 1, 60)
	require.Error(t, err)

	var lostErr *ConnectionLostError
	assert.ErrorAs(t, err, &lostErr)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestConnectAssignedClientID(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		pkt := &ConnackPacket{ReasonCode: ReasonSuccess}
		pkt.Props.Set(PropAssignedClientIdentifier, "server-assigned-1")
		_, err := WritePacket(conn, pkt, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient()
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))
	assert.Equal(t, "server-assigned-1", client.ClientID())
}

func TestConnectServerKeepAlive(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		pkt := &ConnackPacket{ReasonCode: ReasonSuccess}
		pkt.Props.Set(PropServerKeepAlive, uint16(5))
		_, err := WritePacket(conn, pkt, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))
	assert.Equal(t, 5*time.Second, client.keepAlive.Interval())
}

func TestConnectServerMaxPacketSize(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		pkt := &ConnackPacket{ReasonCode: ReasonSuccess}
		pkt.Props.Set(PropMaximumPacketSize, uint32(512))
		_, err := WritePacket(conn, pkt, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))
	assert.Equal(t, uint32(512), client.outboundMax.Load())

	// The server's limit applies to outbound packets
	_, err := client.Publish("test/topic", make([]byte, 600), QoS0, false)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestHandshakeReusesKeepAliveSchedule(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	before := client.keepAlive
	require.NoError(t, client.Connect(host, port, 30))

	assert.Same(t, before, client.keepAlive)
	assert.Equal(t, 30*time.Second, client.keepAlive.Interval())
}

func TestCallbacksMirrorLogs(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	cb := newRecordingCallbacks()
	client := NewClient(WithClientID("test-client"), WithCallbacks(cb))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	assert.Contains(t, cb.logs, "dialing broker")
	assert.Contains(t, cb.logs, "connected")
}

func TestConnectAsync(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(200 * time.Millisecond)
	})
	defer cleanup()

	cb := newRecordingCallbacks()
	client := NewClient(WithClientID("test-client"), WithCallbacks(cb))
	defer client.Close()

	require.NoError(t, client.ConnectAsync(host, port, 60))

	deadline := time.Now().Add(3 * time.Second)
	for !client.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, client.IsConnected())

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.connects, 1)
	assert.NoError(t, cb.connects[0])
}

func TestConnectWithWill(t *testing.T) {
	var received *ConnectPacket

	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		received = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(
		WithClientID("test-client"),
		WithWill("status/offline", []byte("gone"), QoS1, true),
	)
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	assert.True(t, received.WillFlag)
	assert.Equal(t, "status/offline", received.WillTopic)
	assert.Equal(t, []byte("gone"), received.WillPayload)
	assert.Equal(t, QoS1, received.WillQoS)
	assert.True(t, received.WillRetain)
}

func TestPublishNotConnected(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	_, err := client.Publish("test/topic", []byte("data"), QoS1, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishValidation(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	tests := []struct {
		name    string
		topic   string
		qos     QoS
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: QoS0, wantErr: ErrEmptyTopic},
		{name: "wildcard in topic", topic: "test/+", qos: QoS0, wantErr: ErrInvalidTopicName},
		{name: "invalid qos", topic: "test/topic", qos: QoS(3), wantErr: ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Publish(tt.topic, nil, tt.qos, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPublishRateLimited(t *testing.T) {
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		time.Sleep(200 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(
		WithClientID("test-client"),
		WithPublishRateLimit(1, 1),
	)
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 60))

	_, err := client.Publish("test/topic", []byte("one"), QoS0, false)
	require.NoError(t, err)

	_, err = client.Publish("test/topic", []byte("two"), QoS0, false)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSubscribeValidation(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	_, err := client.Subscribe("bad/#/filter", QoS0)
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)

	_, err = client.SubscribeMany(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = client.Subscribe("ok/filter", QoS1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestUnsubscribeValidation(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	_, err := client.Unsubscribe()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = client.Unsubscribe("test/topic")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClosedClient(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.Connect("127.0.0.1", 1883, 60), ErrClientClosed)
	_, err := client.Publish("test/topic", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = client.Subscribe("test/topic", QoS0)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.Disconnect(), ErrClientClosed)
	assert.ErrorIs(t, client.Loop(time.Millisecond), ErrClientClosed)

	// Close is idempotent
	assert.NoError(t, client.Close())
}

func TestGeneratedClientID(t *testing.T) {
	client := NewClient()
	defer client.Close()

	id := client.ClientID()
	assert.NotEmpty(t, id)
	assert.Contains(t, id, "mqttc-")

	other := NewClient()
	defer other.Close()
	assert.NotEqual(t, id, other.ClientID())
}

func TestReconnectRequiresPriorConnect(t *testing.T) {
	client := NewClient(WithClientID("test-client"))
	defer client.Close()

	err := client.Reconnect()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
