package mqttc

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()

	assert.Equal(t, MQTTv5, o.protocolVersion)
	assert.True(t, o.cleanSession)
	assert.Equal(t, 10*time.Second, o.connectTimeout)
	assert.Equal(t, 5*time.Second, o.writeTimeout)
	assert.Equal(t, 20*time.Second, o.retryInterval)
	assert.Equal(t, 5, o.maxRetries)
	assert.Equal(t, 20, o.maxInflight)
	assert.Equal(t, MaxPacketSizeDefault, o.maxPacketSize)
	assert.False(t, o.autoReconnect)
	assert.IsType(t, &ExponentialBackoff{}, o.reconnectPolicy)
	assert.IsType(t, NoopCallbacks{}, o.callbacks)
	assert.NotNil(t, o.logger)
	assert.Nil(t, o.publishLimit)
}

func TestApplyOptions(t *testing.T) {
	tlsConfig := &tls.Config{ServerName: "broker.example.com"}
	var props Properties
	props.Set(PropWillDelayInterval, uint32(30))

	o := applyOptions(
		WithClientID("device-1"),
		WithProtocolVersion(MQTTv311),
		WithCleanSession(false),
		WithCredentials("user", "pass"),
		WithTLS(tlsConfig),
		WithProxy("socks5://127.0.0.1:1080", "pxuser", "pxpass"),
		WithConnectTimeout(3*time.Second),
		WithWriteTimeout(time.Second),
		WithWill("status/device-1", []byte("gone"), QoS1, true),
		WithWillProps(props),
		WithRetry(5*time.Second, 2),
		WithMaxInflight(7),
		WithAutoReconnect(true),
		WithSessionExpiryInterval(600),
		WithReceiveMaximum(16),
		WithUserProperties(map[string]string{"env": "prod"}),
		WithPublishRateLimit(10, 5),
	)

	assert.Equal(t, "device-1", o.clientID)
	assert.Equal(t, MQTTv311, o.protocolVersion)
	assert.False(t, o.cleanSession)
	assert.Equal(t, "user", o.username)
	assert.Equal(t, []byte("pass"), o.password)
	assert.Same(t, tlsConfig, o.tlsConfig)
	assert.Equal(t, "socks5://127.0.0.1:1080", o.proxyURL)
	assert.Equal(t, "pxuser", o.proxyUser)
	assert.Equal(t, "pxpass", o.proxyPass)
	assert.Equal(t, 3*time.Second, o.connectTimeout)
	assert.Equal(t, time.Second, o.writeTimeout)
	assert.Equal(t, "status/device-1", o.willTopic)
	assert.Equal(t, []byte("gone"), o.willPayload)
	assert.Equal(t, QoS1, o.willQoS)
	assert.True(t, o.willRetain)
	assert.Equal(t, uint32(30), o.willProps.GetUint32(PropWillDelayInterval))
	assert.Equal(t, 5*time.Second, o.retryInterval)
	assert.Equal(t, 2, o.maxRetries)
	assert.Equal(t, 7, o.maxInflight)
	assert.True(t, o.autoReconnect)
	assert.Equal(t, uint32(600), o.sessionExpiryInterval)
	assert.Equal(t, uint16(16), o.receiveMaximum)
	assert.Equal(t, map[string]string{"env": "prod"}, o.userProperties)
	require.NotNil(t, o.publishLimit)
	assert.Equal(t, 5, o.publishLimit.Burst())
}

func TestWithMaxPacketSizeClamps(t *testing.T) {
	o := applyOptions(WithMaxPacketSize(MaxPacketSizeProtocol + 1))
	assert.Equal(t, MaxPacketSizeProtocol, o.maxPacketSize)

	o = applyOptions(WithMaxPacketSize(MaxPacketSizeMinimal))
	assert.Equal(t, MaxPacketSizeMinimal, o.maxPacketSize)
}

func TestNilGuardedOptions(t *testing.T) {
	o := applyOptions(
		WithReconnectPolicy(nil),
		WithCallbacks(nil),
		WithLogger(nil),
	)

	assert.NotNil(t, o.reconnectPolicy)
	assert.NotNil(t, o.callbacks)
	assert.NotNil(t, o.logger)
}

func TestWithEnhancedAuthOption(t *testing.T) {
	auth := NewSCRAMClient("alice", "hunter2", SCRAMHashSHA512)
	o := applyOptions(WithEnhancedAuth(auth))

	require.NotNil(t, o.enhancedAuth)
	assert.Equal(t, "SCRAM-SHA-512", o.enhancedAuth.Method())
}
