package mqttc

import (
	"errors"
	"time"
)

// Sentinel errors for client operations - check with errors.Is().
var (
	// ErrInvalidArgument is returned when an argument fails validation
	// before any network I/O happens.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected is returned when an operation requires an active
	// connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by connect attempts on a client that
	// is already connected.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrConnectInProgress is returned by connect attempts while an
	// earlier connect is still being negotiated.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrClientClosed is returned for operations on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrDeliveryFailed is emitted when a QoS > 0 delivery exhausts its
	// retry budget. The session stays up.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrRateLimited is returned by Publish when the configured outbound
	// rate limit has no tokens available.
	ErrRateLimited = errors.New("publish rate limit exceeded")
)

// Sentinel events for the client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client successfully connects.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted when the client disconnects gracefully.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectionLost is emitted when the connection fails unexpectedly.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnecting is emitted when the client is attempting to reconnect.
	ErrReconnecting = errors.New("reconnecting")

	// ErrServerDisconnect is emitted when the server sends DISCONNECT.
	ErrServerDisconnect = errors.New("server disconnect")

	// ErrKeepAliveTimeout is emitted when the server does not answer a
	// PINGREQ within the keepalive window.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrAuthFailed is returned when authentication fails.
	ErrAuthFailed = errors.New("authentication failed")
)

// ConnectedEvent carries the details of a successful connection.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	SessionPresent bool
	ServerProps    *Properties
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(sessionPresent bool, props *Properties) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		SessionPresent: sessionPresent,
		ServerProps:    props,
	}
}

// ConnectError carries the details of a connection the server refused.
// Extract with errors.As(). ReturnCode is set on v3.1.1 connections,
// ReasonCode on v5.0.
type ConnectError struct {
	err        error
	ReturnCode ConnectReturnCode
	ReasonCode ReasonCode
	Properties *Properties
}

func (e *ConnectError) Error() string {
	if e.ReturnCode != ConnectAccepted {
		return "connect failed: " + e.ReturnCode.String()
	}
	return "connect failed: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a ConnectError from a v5.0 reason code.
func NewConnectError(reason ReasonCode, props *Properties) *ConnectError {
	baseErr := ErrProtocolViolation
	if reason == ReasonBadUserNameOrPassword || reason == ReasonNotAuthorized {
		baseErr = ErrAuthFailed
	}
	return &ConnectError{
		err:        baseErr,
		ReasonCode: reason,
		Properties: props,
	}
}

// NewConnectReturnError creates a ConnectError from a v3.1.1 return code.
func NewConnectReturnError(code ConnectReturnCode) *ConnectError {
	baseErr := ErrProtocolViolation
	if code == ConnectRefusedBadCredentials || code == ConnectRefusedNotAuthorized {
		baseErr = ErrAuthFailed
	}
	return &ConnectError{
		err:        baseErr,
		ReturnCode: code,
	}
}

// DisconnectError carries the details of a disconnection.
// Extract with errors.As().
type DisconnectError struct {
	err        error
	ReasonCode ReasonCode
	Properties *Properties
	Remote     bool // true if the server sent the DISCONNECT
}

func (e *DisconnectError) Error() string {
	if e.Remote {
		return "server disconnect: " + e.ReasonCode.String()
	}
	return "disconnected: " + e.ReasonCode.String()
}

func (e *DisconnectError) Unwrap() error { return e.err }

// NewDisconnectError creates a new DisconnectError.
func NewDisconnectError(reason ReasonCode, props *Properties, remote bool) *DisconnectError {
	baseErr := ErrDisconnected
	if remote {
		baseErr = ErrServerDisconnect
	}
	return &DisconnectError{
		err:        baseErr,
		ReasonCode: reason,
		Properties: props,
		Remote:     remote,
	}
}

// ConnectionLostError carries the socket failure that tore the connection
// down. Extract with errors.As().
type ConnectionLostError struct {
	err   error
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error { return e.err }

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{
		err:   ErrConnectionLost,
		Cause: cause,
	}
}

// DeliveryError reports a QoS > 0 delivery that exhausted its retry budget.
// Extract with errors.As().
type DeliveryError struct {
	err      error
	MID      uint16
	Topic    string
	Attempts int
}

func (e *DeliveryError) Error() string {
	return "delivery failed: " + e.Topic
}

func (e *DeliveryError) Unwrap() error { return e.err }

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(mid uint16, topic string, attempts int) *DeliveryError {
	return &DeliveryError{
		err:      ErrDeliveryFailed,
		MID:      mid,
		Topic:    topic,
		Attempts: attempts,
	}
}

// ReconnectEvent carries the details of a reconnection attempt.
// Extract with errors.As().
type ReconnectEvent struct {
	err      error
	Attempt  int
	Delay    time.Duration
	cancelFn func()
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// Cancel stops further reconnection attempts.
func (e *ReconnectEvent) Cancel() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt int, delay time.Duration, cancelFn func()) *ReconnectEvent {
	return &ReconnectEvent{
		err:      ErrReconnecting,
		Attempt:  attempt,
		Delay:    delay,
		cancelFn: cancelFn,
	}
}
