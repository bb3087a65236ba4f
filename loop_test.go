package mqttc

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectedClient dials the mock server and completes the handshake, leaving
// the handler free to script the rest of the conversation.
func connectedClient(t *testing.T, cb Callbacks, handler func(net.Conn), opts ...Option) *Client {
	t.Helper()

	ready := make(chan net.Conn, 1)
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		ready <- conn
		handler(conn)
	})
	t.Cleanup(cleanup)

	opts = append([]Option{WithClientID("loop-client"), WithCallbacks(cb)}, opts...)
	client := NewClient(opts...)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(host, port, 60))
	<-ready
	return client
}

func TestLoopNotConnected(t *testing.T) {
	client := NewClient(WithClientID("loop-client"))
	defer client.Close()

	assert.ErrorIs(t, client.Loop(time.Millisecond), ErrNotConnected)
}

func TestPublishQoS0(t *testing.T) {
	received := make(chan *PublishPacket, 1)
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		if pub, ok := pkt.(*PublishPacket); ok {
			received <- pub
		}
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Publish("sensors/temp", []byte("21.5"), QoS0, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), mid)

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(0)
		return ok
	})

	select {
	case pub := <-received:
		assert.Equal(t, "sensors/temp", pub.Topic)
		assert.Equal(t, []byte("21.5"), pub.Payload)
		assert.Equal(t, QoS0, pub.QoS)
		assert.Equal(t, uint16(0), pub.ID)
	case <-time.After(time.Second):
		t.Fatal("server never received the PUBLISH")
	}
}

func TestPublishQoS1Flow(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		pub := pkt.(*PublishPacket)
		ack := &PubackPacket{ackPacket: ackPacket{ID: pub.ID, ReasonCode: ReasonSuccess}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Publish("sensors/temp", []byte("21.5"), QoS1, false)
	require.NoError(t, err)
	require.NotZero(t, mid)
	assert.Equal(t, 1, client.tracker.InFlight())

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(mid)
		return ok
	})

	res, _ := cb.publishResult(mid)
	assert.NoError(t, res)
	assert.Equal(t, 0, client.tracker.InFlight())
}

func TestPublishQoS1Rejected(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		pub := pkt.(*PublishPacket)
		ack := &PubackPacket{ackPacket: ackPacket{ID: pub.ID, ReasonCode: ReasonNotAuthorized}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Publish("secret/topic", []byte("x"), QoS1, false)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(mid)
		return ok
	})

	res, _ := cb.publishResult(mid)
	assert.ErrorIs(t, res, ErrDeliveryFailed)
	assert.Equal(t, 0, client.tracker.InFlight())
}

func TestPublishQoS2Flow(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		pub := pkt.(*PublishPacket)

		rec := &PubrecPacket{ackPacket: ackPacket{ID: pub.ID, ReasonCode: ReasonSuccess}}
		if _, err := WritePacket(conn, rec, MQTTv5, 256*1024); err != nil {
			return
		}

		pkt, _, err = ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		rel, ok := pkt.(*PubrelPacket)
		if !assert.True(t, ok, "expected PUBREL, got %T", pkt) {
			return
		}

		comp := &PubcompPacket{ackPacket: ackPacket{ID: rel.ID, ReasonCode: ReasonSuccess}}
		_, err = WritePacket(conn, comp, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Publish("sensors/temp", []byte("exactly once"), QoS2, false)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(mid)
		return ok
	})

	res, _ := cb.publishResult(mid)
	assert.NoError(t, res)
	assert.Equal(t, 0, client.tracker.InFlight())
}

func TestSubscribeFlow(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		sub := pkt.(*SubscribePacket)

		ack := &SubackPacket{ID: sub.ID, ReasonCodes: []ReasonCode{ReasonGrantedQoS1}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Subscribe("sensors/#", QoS1)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.grantedFor(mid)
		return ok
	})

	granted, _ := cb.grantedFor(mid)
	assert.Equal(t, []QoS{QoS1}, granted)

	recorded, ok := client.session.Subscription("sensors/#")
	require.True(t, ok)
	assert.Equal(t, QoS1, recorded.GrantedQoS)
}

func TestSubscribeRefused(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		sub := pkt.(*SubscribePacket)

		ack := &SubackPacket{ID: sub.ID, ReasonCodes: []ReasonCode{ReasonNotAuthorized}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	mid, err := client.Subscribe("forbidden/#", QoS1)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.grantedFor(mid)
		return ok
	})

	granted, _ := cb.grantedFor(mid)
	require.Len(t, granted, 1)
	assert.Equal(t, QoS(SubackFailure), granted[0])

	_, ok := client.session.Subscription("forbidden/#")
	assert.False(t, ok)
}

func TestUnsubscribeFlow(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		unsub := pkt.(*UnsubscribePacket)

		ack := &UnsubackPacket{ID: unsub.ID, ReasonCodes: []ReasonCode{ReasonSuccess}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
	})

	client.session.RecordSubscription(Subscription{TopicFilter: "sensors/#", QoS: QoS1}, QoS1)

	mid, err := client.Unsubscribe("sensors/#")
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		_, ok := cb.unsubscribes[mid]
		return ok
	})

	_, ok := client.session.Subscription("sensors/#")
	assert.False(t, ok)
}

func TestInboundPublish(t *testing.T) {
	tests := []struct {
		name    string
		qos     QoS
		wantAck PacketType
	}{
		{name: "qos 0", qos: QoS0},
		{name: "qos 1", qos: QoS1, wantAck: PacketPUBACK},
		{name: "qos 2", qos: QoS2, wantAck: PacketPUBREC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := newRecordingCallbacks()
			acks := make(chan Packet, 1)

			client := connectedClient(t, cb, func(conn net.Conn) {
				pub := &PublishPacket{Topic: "alerts/fire", Payload: []byte("!"), QoS: tt.qos}
				if tt.qos > QoS0 {
					pub.ID = 7
				}
				if _, err := WritePacket(conn, pub, MQTTv5, 256*1024); err != nil {
					return
				}

				if tt.wantAck != 0 {
					pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
					if err != nil {
						return
					}
					acks <- pkt
				}
				time.Sleep(100 * time.Millisecond)
			})

			loopUntil(t, client, func() bool {
				return cb.messageCount() > 0
			})

			cb.mu.Lock()
			msg := cb.messages[0]
			cb.mu.Unlock()
			assert.Equal(t, "alerts/fire", msg.Topic)
			assert.Equal(t, []byte("!"), msg.Payload)
			assert.Equal(t, tt.qos, msg.QoS)

			if tt.wantAck != 0 {
				select {
				case ack := <-acks:
					assert.Equal(t, tt.wantAck, ack.Type())
				case <-time.After(time.Second):
					t.Fatal("server never received the acknowledgement")
				}
			}
		})
	}
}

func TestInboundQoS2Dedup(t *testing.T) {
	cb := newRecordingCallbacks()
	done := make(chan struct{})

	client := connectedClient(t, cb, func(conn net.Conn) {
		defer close(done)

		pub := &PublishPacket{Topic: "alerts/fire", Payload: []byte("!"), QoS: QoS2, ID: 9}
		if _, err := WritePacket(conn, pub, MQTTv5, 256*1024); err != nil {
			return
		}
		// Retransmission of the same identifier before PUBREL
		pub.DUP = true
		if _, err := WritePacket(conn, pub, MQTTv5, 256*1024); err != nil {
			return
		}

		// Both copies are acknowledged with PUBREC
		for i := 0; i < 2; i++ {
			pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
			if err != nil {
				return
			}
			if !assert.Equal(t, PacketPUBREC, pkt.Type()) {
				return
			}
		}

		rel := &PubrelPacket{ackPacket: ackPacket{ID: 9, ReasonCode: ReasonSuccess}}
		if _, err := WritePacket(conn, rel, MQTTv5, 256*1024); err != nil {
			return
		}

		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		assert.Equal(t, PacketPUBCOMP, pkt.Type())
		time.Sleep(200 * time.Millisecond)
	})

	loopUntil(t, client, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	})

	assert.Equal(t, 1, cb.messageCount())
}

func TestGracefulDisconnect(t *testing.T) {
	cb := newRecordingCallbacks()
	gotDisconnect := make(chan struct{})

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		if assert.Equal(t, PacketDISCONNECT, pkt.Type()) {
			close(gotDisconnect)
		}
	})

	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnecting, client.State())

	require.NoError(t, client.Loop(20*time.Millisecond))

	assert.Equal(t, StateDisconnected, client.State())
	require.Equal(t, 1, cb.disconnectCount())
	assert.NoError(t, cb.disconnects[0])

	select {
	case <-gotDisconnect:
	case <-time.After(time.Second):
		t.Fatal("server never received DISCONNECT")
	}
}

func TestDisconnectAbortsPendingDeliveries(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		// Swallow everything, never acknowledge
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	mid, err := client.Publish("sensors/temp", []byte("unacked"), QoS1, false)
	require.NoError(t, err)
	require.NoError(t, client.Disconnect())

	loopUntil(t, client, func() bool {
		return client.State() == StateDisconnected
	})

	// The unresolved publish is reported before the delivery state goes
	res, ok := cb.publishResult(mid)
	require.True(t, ok, "publish never resolved")
	assert.ErrorIs(t, res, ErrDisconnected)
	assert.Equal(t, 0, client.tracker.InFlight())

	require.Equal(t, 1, cb.disconnectCount())
	assert.NoError(t, cb.disconnects[0])
}

func TestLoopReadTimeoutCapsAtKeepAlive(t *testing.T) {
	client := NewClient(WithClientID("ka-client"))
	defer client.Close()

	client.keepAlive.SetInterval(1)
	client.keepAlive.Reset(time.Now())

	capped := client.readTimeout(10 * time.Second)
	assert.LessOrEqual(t, capped, time.Second)
	assert.Greater(t, capped, 500*time.Millisecond)

	// Without a schedule the requested timeout passes through
	client.keepAlive.SetInterval(0)
	assert.Equal(t, 10*time.Second, client.readTimeout(10*time.Second))
}

func TestServerDisconnect(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt := &DisconnectPacket{ReasonCode: ReasonServerShuttingDown}
		_, err := WritePacket(conn, pkt, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})

	var loopErr error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if loopErr = client.Loop(20 * time.Millisecond); loopErr != nil {
			break
		}
	}

	var dcErr *DisconnectError
	require.ErrorAs(t, loopErr, &dcErr)
	assert.Equal(t, ReasonServerShuttingDown, dcErr.ReasonCode)
	assert.True(t, dcErr.Remote)

	assert.Equal(t, StateDisconnected, client.State())
	require.Equal(t, 1, cb.disconnectCount())
	assert.ErrorAs(t, cb.disconnects[0], &dcErr)
}

func TestConnectionLost(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		conn.Close()
	})

	var loopErr error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if loopErr = client.Loop(20 * time.Millisecond); loopErr != nil {
			break
		}
	}

	require.Error(t, loopErr)
	assert.Equal(t, StateDisconnected, client.State())

	require.Equal(t, 1, cb.disconnectCount())
	var lostErr *ConnectionLostError
	assert.ErrorAs(t, cb.disconnects[0], &lostErr)
}

func TestMalformedPacketRecovery(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		// A SUBACK frame whose property length is cut off by the
		// remaining length: the frame is consumed, its contents fail
		// to decode, and the loop drops it without losing the stream.
		bad := []byte{0x90, 0x03, 0x00, 0x05, 0xC0}
		if _, err := conn.Write(bad); err != nil {
			return
		}

		pub := &PublishPacket{Topic: "still/alive", Payload: []byte("ok"), QoS: QoS0}
		_, err := WritePacket(conn, pub, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})

	loopUntil(t, client, func() bool {
		return cb.messageCount() > 0
	})

	assert.True(t, client.IsConnected())
	assert.Equal(t, 0, cb.disconnectCount())
}

func TestKeepAlivePing(t *testing.T) {
	cb := newRecordingCallbacks()
	gotPing := make(chan struct{})

	ready := make(chan net.Conn, 1)
	host, port, cleanup := mockServer(t, func(conn net.Conn) {
		_ = readConnect(t, conn, MQTTv5)
		assert.NoError(t, sendConnack(conn, MQTTv5, false, ReasonSuccess))
		ready <- conn

		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		if assert.Equal(t, PacketPINGREQ, pkt.Type()) {
			close(gotPing)
		}
		_, err = WritePacket(conn, &PingrespPacket{}, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
	})
	defer cleanup()

	client := NewClient(WithClientID("ping-client"), WithCallbacks(cb))
	defer client.Close()

	require.NoError(t, client.Connect(host, port, 1))
	<-ready

	loopUntil(t, client, func() bool {
		select {
		case <-gotPing:
			return true
		default:
			return false
		}
	})

	// Drain the PINGRESP so the outstanding ping clears
	loopUntil(t, client, func() bool {
		return !client.keepAlive.Expired(time.Now().Add(time.Second))
	})
	assert.True(t, client.IsConnected())
}

func TestRetransmission(t *testing.T) {
	cb := newRecordingCallbacks()
	packets := make(chan *PublishPacket, 2)

	client := connectedClient(t, cb, func(conn net.Conn) {
		// Ignore the first PUBLISH, acknowledge the retransmission
		for i := 0; i < 2; i++ {
			pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
			if err != nil {
				return
			}
			pub, ok := pkt.(*PublishPacket)
			if !ok {
				continue
			}
			packets <- pub
			if i == 1 {
				ack := &PubackPacket{ackPacket: ackPacket{ID: pub.ID, ReasonCode: ReasonSuccess}}
				_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
				assert.NoError(t, err)
			}
		}
		time.Sleep(100 * time.Millisecond)
	}, WithRetry(50*time.Millisecond, 3))

	mid, err := client.Publish("sensors/temp", []byte("retry me"), QoS1, false)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(mid)
		return ok
	})

	first := <-packets
	second := <-packets
	assert.False(t, first.DUP)
	assert.True(t, second.DUP)
	assert.Equal(t, first.ID, second.ID)

	res, _ := cb.publishResult(mid)
	assert.NoError(t, res)
}

func TestRetryBudgetExhausted(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		// Swallow everything, never acknowledge
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}, WithRetry(20*time.Millisecond, 1))

	mid, err := client.Publish("sensors/temp", []byte("doomed"), QoS1, false)
	require.NoError(t, err)

	loopUntil(t, client, func() bool {
		_, ok := cb.publishResult(mid)
		return ok
	})

	res, _ := cb.publishResult(mid)
	var delErr *DeliveryError
	require.ErrorAs(t, res, &delErr)
	assert.Equal(t, mid, delErr.MID)
	assert.Equal(t, "sensors/temp", delErr.Topic)

	// The identifier is free again and the session stayed up
	assert.Equal(t, 0, client.tracker.InFlight())
	assert.True(t, client.IsConnected())
}

func TestLoopStartStop(t *testing.T) {
	cb := newRecordingCallbacks()

	client := connectedClient(t, cb, func(conn net.Conn) {
		pkt, _, err := ReadPacket(conn, MQTTv5, 256*1024)
		if err != nil {
			return
		}
		pub := pkt.(*PublishPacket)
		ack := &PubackPacket{ackPacket: ackPacket{ID: pub.ID, ReasonCode: ReasonSuccess}}
		_, err = WritePacket(conn, ack, MQTTv5, 256*1024)
		assert.NoError(t, err)
		time.Sleep(300 * time.Millisecond)
	})

	require.NoError(t, client.LoopStart())
	assert.ErrorIs(t, client.LoopStart(), ErrLoopRunning)

	mid, err := client.Publish("sensors/temp", []byte("bg"), QoS1, false)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cb.publishResult(mid); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, ok := cb.publishResult(mid)
	require.True(t, ok, "publish never resolved")
	assert.NoError(t, res)

	client.LoopStop()
	// Stopping twice is harmless
	client.LoopStop()
}

func TestAutoReconnect(t *testing.T) {
	var mu sync.Mutex
	connections := 0

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			connections++
			n := connections
			mu.Unlock()

			go func(conn net.Conn, n int) {
				defer conn.Close()
				if _, _, err := ReadPacket(conn, MQTTv5, 256*1024); err != nil {
					return
				}
				if err := sendConnack(conn, MQTTv5, false, ReasonSuccess); err != nil {
					return
				}
				if n == 1 {
					// Drop the first connection shortly after the handshake
					time.Sleep(50 * time.Millisecond)
					return
				}
				time.Sleep(2 * time.Second)
			}(conn, n)
		}
	}()

	cb := newRecordingCallbacks()
	client := NewClient(
		WithClientID("reconnect-client"),
		WithCallbacks(cb),
		WithAutoReconnect(true),
		WithReconnectPolicy(&ExponentialBackoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}),
	)
	defer client.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, client.Connect("127.0.0.1", port, 60))
	require.NoError(t, client.LoopStart())
	defer client.LoopStop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := connections
		mu.Unlock()
		if n >= 2 && client.IsConnected() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	n := connections
	mu.Unlock()
	assert.GreaterOrEqual(t, n, 2)
	assert.True(t, client.IsConnected())

	cb.mu.Lock()
	attempts := len(cb.reconnects)
	cb.mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 1)
}
