package mqttc

import (
	"sync"
)

// SessionState is the connection lifecycle state of a client session.
type SessionState int

const (
	// StateDisconnected means no connection exists or is being set up.
	StateDisconnected SessionState = iota

	// StateConnecting means CONNECT has been sent and CONNACK is awaited.
	StateConnecting

	// StateConnected means the CONNACK accepted the connection.
	StateConnected

	// StateDisconnecting means a local graceful disconnect is flushing its
	// DISCONNECT packet. Peer disconnects and socket errors skip this
	// state and go straight to Disconnected.
	StateDisconnecting
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// GrantedSubscription is a subscription the server acknowledged, with the
// QoS it actually granted.
type GrantedSubscription struct {
	Subscription
	GrantedQoS QoS
}

// Session holds the client-side session state: the lifecycle state machine
// and the acknowledged subscription set. Delivery state lives in the
// DeliveryTracker; whether it survives a reconnect is decided here by the
// clean-session flag.
type Session struct {
	mu sync.RWMutex

	state          SessionState
	cleanSession   bool
	sessionPresent bool

	subscriptions map[string]*GrantedSubscription
}

// NewSession creates a session in the Disconnected state.
func NewSession(cleanSession bool) *Session {
	return &Session{
		state:         StateDisconnected,
		cleanSession:  cleanSession,
		subscriptions: make(map[string]*GrantedSubscription),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CleanSession reports whether the session is clean.
func (s *Session) CleanSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanSession
}

// SessionPresent reports whether the last CONNACK carried session-present.
func (s *Session) SessionPresent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionPresent
}

// BeginConnect moves Disconnected to Connecting. A connect attempt in any
// other state fails before any network I/O: ErrConnectInProgress while
// Connecting, ErrAlreadyConnected while Connected or Disconnecting.
func (s *Session) BeginConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisconnected:
		s.state = StateConnecting
		return nil
	case StateConnecting:
		return ErrConnectInProgress
	default:
		return ErrAlreadyConnected
	}
}

// CompleteConnect moves Connecting to Connected after an accepting CONNACK.
func (s *Session) CompleteConnect(sessionPresent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return ErrProtocolViolation
	}
	s.state = StateConnected
	s.sessionPresent = sessionPresent
	return nil
}

// BeginDisconnect moves Connected to Disconnecting for a local graceful
// disconnect.
func (s *Session) BeginDisconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	s.state = StateDisconnecting
	return nil
}

// Close moves any state to Disconnected. It is used both for the tail of a
// graceful disconnect and for abrupt connection loss.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
}

// RecordSubscription stores an acknowledged subscription with its granted
// QoS, keyed by topic filter.
func (s *Session) RecordSubscription(sub Subscription, granted QoS) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions[sub.TopicFilter] = &GrantedSubscription{
		Subscription: sub,
		GrantedQoS:   granted,
	}
}

// RemoveSubscription drops an acknowledged subscription by topic filter.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// Subscription returns the acknowledged subscription for a filter.
func (s *Session) Subscription(filter string) (*GrantedSubscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[filter]
	return sub, ok
}

// Subscriptions returns all acknowledged subscriptions. Used to resubscribe
// after a reconnect where the server reports no session.
func (s *Session) Subscriptions() []*GrantedSubscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]*GrantedSubscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// ClearSubscriptions drops all acknowledged subscriptions.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]*GrantedSubscription)
}
