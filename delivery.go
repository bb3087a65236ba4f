package mqttc

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrMIDExhausted    = errors.New("no available message identifiers")
	ErrMIDNotFound     = errors.New("message identifier not found")
	ErrTooManyInflight = errors.New("too many in-flight messages")
)

// DeliveryKind names the operation a tracked message identifier belongs to.
type DeliveryKind int

const (
	DeliverPublish DeliveryKind = iota
	DeliverSubscribe
	DeliverUnsubscribe
)

// DeliveryState is the stage an outbound delivery handshake is in.
type DeliveryState int

const (
	// StateAwaitingPuback waits for the PUBACK of a QoS 1 publish.
	StateAwaitingPuback DeliveryState = iota

	// StateAwaitingPubrec waits for the PUBREC of a QoS 2 publish.
	StateAwaitingPubrec

	// StateAwaitingPubcomp waits for the PUBCOMP after sending PUBREL.
	StateAwaitingPubcomp

	// StateAwaitingAck waits for the SUBACK or UNSUBACK of a
	// subscription operation.
	StateAwaitingAck
)

// OutboundDelivery is one unresolved outbound operation: a QoS > 0 publish,
// a SUBSCRIBE or an UNSUBSCRIBE. The identifier stays reserved until the
// handshake resolves or the retry budget runs out.
type OutboundDelivery struct {
	MID           uint16
	Kind          DeliveryKind
	State         DeliveryState
	Message       *Message       // publish payload, kept for retransmission
	Subscriptions []Subscription // SUBSCRIBE payload
	TopicFilters  []string       // UNSUBSCRIBE payload
	SentAt        time.Time
	Attempts      int
}

// inboundDelivery tracks a QoS 2 PUBLISH received from the server until the
// PUBREL arrives. delivered guards against a duplicate PUBLISH producing a
// second application delivery.
type inboundDelivery struct {
	mid        uint16
	delivered  bool
	receivedAt time.Time
}

// DeliveryTracker owns the message identifier space and every unresolved
// delivery handshake, both directions. One tracker per client.
type DeliveryTracker struct {
	mu sync.Mutex

	next     uint16
	outbound map[uint16]*OutboundDelivery
	order    []uint16 // outbound insertion order, for resumption

	inbound   map[uint16]*inboundDelivery
	completed map[uint16]time.Time // inbound QoS 2 flows done, for PUBCOMP retransmit

	retryInterval time.Duration
	maxRetries    int
	maxInflight   int
}

// NewDeliveryTracker creates a tracker. maxInflight caps concurrently
// unresolved QoS > 0 publishes; zero means no cap.
func NewDeliveryTracker(retryInterval time.Duration, maxRetries, maxInflight int) *DeliveryTracker {
	return &DeliveryTracker{
		next:          1,
		outbound:      make(map[uint16]*OutboundDelivery),
		inbound:       make(map[uint16]*inboundDelivery),
		completed:     make(map[uint16]time.Time),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		maxInflight:   maxInflight,
	}
}

// Allocate reserves the next free message identifier. Allocation is
// monotonic: it continues from the last handed-out value, skipping zero and
// identifiers still in flight.
func (t *DeliveryTracker) Allocate() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.outbound) >= maxUint16 {
		return 0, ErrMIDExhausted
	}

	start := t.next
	for {
		if _, ok := t.outbound[t.next]; !ok {
			mid := t.next
			t.advance()
			return mid, nil
		}
		t.advance()
		if t.next == start {
			return 0, ErrMIDExhausted
		}
	}
}

func (t *DeliveryTracker) advance() {
	t.next++
	if t.next == 0 {
		t.next = 1
	}
}

// TrackPublish registers an unresolved QoS > 0 publish under mid.
func (t *DeliveryTracker) TrackPublish(mid uint16, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxInflight > 0 && t.inflightPublishes() >= t.maxInflight {
		return ErrTooManyInflight
	}

	state := StateAwaitingPuback
	if msg.QoS == QoS2 {
		state = StateAwaitingPubrec
	}

	t.track(&OutboundDelivery{
		MID:     mid,
		Kind:    DeliverPublish,
		State:   state,
		Message: msg,
		SentAt:  time.Now(),
	})
	return nil
}

// TrackSubscribe registers an unresolved SUBSCRIBE under mid.
func (t *DeliveryTracker) TrackSubscribe(mid uint16, subs []Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.track(&OutboundDelivery{
		MID:           mid,
		Kind:          DeliverSubscribe,
		State:         StateAwaitingAck,
		Subscriptions: subs,
		SentAt:        time.Now(),
	})
}

// TrackUnsubscribe registers an unresolved UNSUBSCRIBE under mid.
func (t *DeliveryTracker) TrackUnsubscribe(mid uint16, filters []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.track(&OutboundDelivery{
		MID:          mid,
		Kind:         DeliverUnsubscribe,
		State:        StateAwaitingAck,
		TopicFilters: filters,
		SentAt:       time.Now(),
	})
}

func (t *DeliveryTracker) track(d *OutboundDelivery) {
	t.outbound[d.MID] = d
	t.order = append(t.order, d.MID)
}

func (t *DeliveryTracker) inflightPublishes() int {
	n := 0
	for _, d := range t.outbound {
		if d.Kind == DeliverPublish {
			n++
		}
	}
	return n
}

// remove drops mid from the outbound table, freeing the identifier.
func (t *DeliveryTracker) remove(mid uint16) (*OutboundDelivery, bool) {
	d, ok := t.outbound[mid]
	if !ok {
		return nil, false
	}
	delete(t.outbound, mid)
	for i, m := range t.order {
		if m == mid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return d, true
}

// HandlePuback resolves a QoS 1 publish.
func (t *DeliveryTracker) HandlePuback(mid uint16) (*OutboundDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.outbound[mid]
	if !ok || d.Kind != DeliverPublish || d.State != StateAwaitingPuback {
		return nil, false
	}
	t.remove(mid)
	return d, true
}

// HandlePubrec advances a QoS 2 publish to the PUBREL stage. The retry clock
// and attempt count restart for the new stage.
func (t *DeliveryTracker) HandlePubrec(mid uint16) (*OutboundDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.outbound[mid]
	if !ok || d.Kind != DeliverPublish || d.State != StateAwaitingPubrec {
		return nil, false
	}
	d.State = StateAwaitingPubcomp
	d.SentAt = time.Now()
	d.Attempts = 0
	return d, true
}

// HandlePubcomp resolves a QoS 2 publish.
func (t *DeliveryTracker) HandlePubcomp(mid uint16) (*OutboundDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.outbound[mid]
	if !ok || d.Kind != DeliverPublish || d.State != StateAwaitingPubcomp {
		return nil, false
	}
	t.remove(mid)
	return d, true
}

// HandleSuback resolves a SUBSCRIBE.
func (t *DeliveryTracker) HandleSuback(mid uint16) (*OutboundDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.outbound[mid]
	if !ok || d.Kind != DeliverSubscribe {
		return nil, false
	}
	t.remove(mid)
	return d, true
}

// HandleUnsuback resolves an UNSUBSCRIBE.
func (t *DeliveryTracker) HandleUnsuback(mid uint16) (*OutboundDelivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.outbound[mid]
	if !ok || d.Kind != DeliverUnsubscribe {
		return nil, false
	}
	t.remove(mid)
	return d, true
}

// Release unconditionally drops an outbound delivery, freeing its
// identifier. Used to roll back a reservation whose packet never made it
// onto the wire.
func (t *DeliveryTracker) Release(mid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(mid)
}

// TrackInbound registers an inbound QoS 2 PUBLISH. It reports whether this
// is the first time the identifier is seen mid-handshake: a duplicate
// PUBLISH for an identifier already tracked must not reach the application
// again, though PUBREC is still answered.
func (t *DeliveryTracker) TrackInbound(mid uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.inbound[mid]; ok {
		return !d.delivered
	}
	t.inbound[mid] = &inboundDelivery{mid: mid, delivered: true, receivedAt: time.Now()}
	return true
}

// HandlePubrel resolves an inbound QoS 2 flow. It reports whether a PUBCOMP
// should be sent, which includes retransmitted PUBRELs for flows already
// completed.
func (t *DeliveryTracker) HandlePubrel(mid uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.completed[mid]; done {
		t.completed[mid] = time.Now()
		return true
	}

	if _, ok := t.inbound[mid]; !ok {
		return false
	}
	delete(t.inbound, mid)
	t.completed[mid] = time.Now()
	return true
}

// DueRetries returns the outbound deliveries whose retry interval elapsed
// and whose budget is not yet exhausted, bumping their attempt count and
// clock. The caller retransmits the stage packet with DUP set.
func (t *DeliveryTracker) DueRetries(now time.Time) []*OutboundDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var due []*OutboundDelivery
	for _, mid := range t.order {
		d := t.outbound[mid]
		if now.Sub(d.SentAt) < t.retryInterval {
			continue
		}
		if d.Attempts >= t.maxRetries {
			continue
		}
		d.Attempts++
		d.SentAt = now
		due = append(due, d)
	}
	return due
}

// Expired removes and returns the outbound deliveries that exhausted their
// retry budget. Their identifiers become free again; the session stays up.
func (t *DeliveryTracker) Expired(now time.Time) []*OutboundDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*OutboundDelivery
	for _, mid := range append([]uint16(nil), t.order...) {
		d := t.outbound[mid]
		if d.Attempts >= t.maxRetries && now.Sub(d.SentAt) >= t.retryInterval {
			t.remove(mid)
			expired = append(expired, d)
		}
	}
	return expired
}

// Pending returns the unresolved outbound deliveries in send order. Used to
// resume in-flight handshakes after a non-clean reconnect.
func (t *DeliveryTracker) Pending() []*OutboundDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := make([]*OutboundDelivery, 0, len(t.order))
	for _, mid := range t.order {
		pending = append(pending, t.outbound[mid])
	}
	return pending
}

// ResetForResume restarts the retry clock of every pending delivery, so a
// fresh connection does not immediately count old elapsed time as missed
// retries.
func (t *DeliveryTracker) ResetForResume(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range t.outbound {
		d.SentAt = now
		d.Attempts = 0
	}
}

// InFlight returns the number of unresolved outbound deliveries.
func (t *DeliveryTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outbound)
}

// Clear drops all delivery state. Used when a clean session starts.
func (t *DeliveryTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outbound = make(map[uint16]*OutboundDelivery)
	t.order = nil
	t.inbound = make(map[uint16]*inboundDelivery)
	t.completed = make(map[uint16]time.Time)
}

// CleanupCompleted drops completed inbound flow records older than twice the
// retry interval, bounding the PUBCOMP retransmit cache.
func (t *DeliveryTracker) CleanupCompleted(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for mid, doneAt := range t.completed {
		if now.Sub(doneAt) > t.retryInterval*2 {
			delete(t.completed, mid)
			count++
		}
	}
	return count
}
