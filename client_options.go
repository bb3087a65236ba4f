package mqttc

import (
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

// Packet size limits for WithMaxPacketSize.
const (
	// MaxPacketSizeProtocol is the largest remaining length the wire
	// format can express.
	MaxPacketSizeProtocol uint32 = maxVarint

	// MaxPacketSizeDefault is the default inbound packet size limit.
	MaxPacketSizeDefault uint32 = 4 * 1024 * 1024

	// MaxPacketSizeMinimal suits constrained devices.
	MaxPacketSizeMinimal uint32 = 16 * 1024
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Identity
	clientID        string
	protocolVersion ProtocolVersion
	cleanSession    bool

	// Authentication
	username string
	password []byte

	// Transport
	tlsConfig *tls.Config
	dialer    Dialer
	proxyURL  string
	proxyUser string
	proxyPass string

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	// Will message
	willTopic   string
	willPayload []byte
	willRetain  bool
	willQoS     QoS
	willProps   Properties

	// Delivery
	retryInterval time.Duration
	maxRetries    int
	maxInflight   int

	// Reconnect
	autoReconnect   bool
	reconnectPolicy ReconnectPolicy

	// Limits
	maxPacketSize uint32
	publishLimit  *rate.Limiter

	// CONNECT properties (v5)
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	userProperties        map[string]string

	// Enhanced authentication (v5)
	enhancedAuth EnhancedAuth

	// Observers
	callbacks Callbacks
	logger    Logger
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		protocolVersion: MQTTv5,
		cleanSession:    true,
		connectTimeout:  10 * time.Second,
		writeTimeout:    5 * time.Second,
		retryInterval:   20 * time.Second,
		maxRetries:      5,
		maxInflight:     20,
		maxPacketSize:   MaxPacketSizeDefault,
		reconnectPolicy: DefaultBackoff(),
		callbacks:       NoopCallbacks{},
		logger:          NewNoOpLogger(),
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. When empty, a random identifier
// is generated and the session is forced clean.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithProtocolVersion selects the MQTT protocol version. Default is v5.0.
func WithProtocolVersion(version ProtocolVersion) Option {
	return func(o *clientOptions) {
		o.protocolVersion = version
	}
}

// WithCleanSession sets whether to request a fresh session on connect.
// With a non-clean session, unresolved QoS 1/2 deliveries resume after a
// reconnect where the server reports session-present.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanSession = clean
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithTLS sets the TLS configuration for secure connections.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithDialer replaces the transport dialer. Use NewWSDialer or NewQUICDialer
// for WebSocket or QUIC transports.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithProxy routes the connection through an HTTP CONNECT or SOCKS5 proxy.
// Username and password may be empty or embedded in the URL.
func WithProxy(proxyURL, username, password string) Option {
	return func(o *clientOptions) {
		o.proxyURL = proxyURL
		o.proxyUser = username
		o.proxyPass = password
	}
}

// WithConnectTimeout sets the timeout for dialing and the CONNECT/CONNACK
// exchange.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the per-write socket deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithWill sets the Will message published by the server if the client
// disconnects unexpectedly.
func WithWill(topic string, payload []byte, qos QoS, retain bool) Option {
	return func(o *clientOptions) {
		o.willTopic = topic
		o.willPayload = payload
		o.willQoS = qos
		o.willRetain = retain
	}
}

// WithWillProps sets the v5 properties for the Will message.
func WithWillProps(props Properties) Option {
	return func(o *clientOptions) {
		o.willProps = props
	}
}

// WithRetry sets the retransmission interval and attempt budget for QoS > 0
// deliveries. When the budget runs out the delivery fails with
// ErrDeliveryFailed; the session stays up.
func WithRetry(interval time.Duration, maxRetries int) Option {
	return func(o *clientOptions) {
		o.retryInterval = interval
		o.maxRetries = maxRetries
	}
}

// WithMaxInflight caps concurrently unresolved QoS > 0 publishes. Zero means
// no cap.
func WithMaxInflight(n int) Option {
	return func(o *clientOptions) {
		o.maxInflight = n
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss,
// driven by the configured reconnect policy.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithReconnectPolicy sets the reconnect delay policy. Default is
// exponential backoff from 1s up to 2min.
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(o *clientOptions) {
		if policy != nil {
			o.reconnectPolicy = policy
		}
	}
}

// WithMaxPacketSize limits the size of inbound packets. Values exceeding
// MaxPacketSizeProtocol are clamped.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		if size > MaxPacketSizeProtocol {
			size = MaxPacketSizeProtocol
		}
		o.maxPacketSize = size
	}
}

// WithPublishRateLimit caps outbound publishes to the given sustained rate
// with the given burst. Publish returns ErrRateLimited when the limiter has
// no tokens; it never blocks.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.publishLimit = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSessionExpiryInterval sets the v5 session expiry interval in seconds.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithReceiveMaximum sets the v5 receive maximum announced in CONNECT.
func WithReceiveMaximum(maxValue uint16) Option {
	return func(o *clientOptions) {
		o.receiveMaximum = maxValue
	}
}

// WithUserProperties sets user properties carried in the CONNECT packet.
func WithUserProperties(props map[string]string) Option {
	return func(o *clientOptions) {
		o.userProperties = props
	}
}

// WithEnhancedAuth sets the enhanced authenticator driving the v5 AUTH
// exchange, for example NewSCRAMClient.
func WithEnhancedAuth(auth EnhancedAuth) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

// WithCallbacks registers the event handler. Default is NoopCallbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(o *clientOptions) {
		if cb != nil {
			o.callbacks = cb
		}
	}
}

// WithLogger sets the logger. Default discards everything.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// connectOptions holds per-connect settings.
type connectOptions struct {
	bindAddress string
}

// ConnectOption configures a single connect attempt.
type ConnectOption func(*connectOptions)

// WithBindAddress binds the outgoing TCP connection to a local address.
func WithBindAddress(addr string) ConnectOption {
	return func(o *connectOptions) {
		o.bindAddress = addr
	}
}
