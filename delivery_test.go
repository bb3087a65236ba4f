package mqttc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *DeliveryTracker {
	return NewDeliveryTracker(20*time.Second, 5, 0)
}

func TestAllocateMonotonic(t *testing.T) {
	tr := newTestTracker()

	for want := uint16(1); want <= 5; want++ {
		mid, err := tr.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, mid)
	}
}

func TestAllocateSkipsInflight(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))

	// Wrap the counter back around to just before the in-flight identifier
	tr.mu.Lock()
	tr.next = mid
	tr.mu.Unlock()

	next, err := tr.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, mid, next)
}

func TestAllocateSkipsZero(t *testing.T) {
	tr := newTestTracker()

	tr.mu.Lock()
	tr.next = maxUint16
	tr.mu.Unlock()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(maxUint16), mid)

	mid, err = tr.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), mid, "allocation must wrap past zero")
}

func TestQoS1Flow(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))
	assert.Equal(t, 1, tr.InFlight())

	d, ok := tr.HandlePuback(mid)
	require.True(t, ok)
	assert.Equal(t, DeliverPublish, d.Kind)
	assert.Equal(t, 0, tr.InFlight())

	// Resolving twice fails
	_, ok = tr.HandlePuback(mid)
	assert.False(t, ok)
}

func TestQoS2Flow(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS2}))

	// PUBACK does not resolve a QoS 2 publish
	_, ok := tr.HandlePuback(mid)
	assert.False(t, ok)

	d, ok := tr.HandlePubrec(mid)
	require.True(t, ok)
	assert.Equal(t, StateAwaitingPubcomp, d.State)
	assert.Equal(t, 0, d.Attempts, "attempt count restarts for the PUBREL stage")

	// A duplicate PUBREC mid-flow is ignored
	_, ok = tr.HandlePubrec(mid)
	assert.False(t, ok)

	_, ok = tr.HandlePubcomp(mid)
	require.True(t, ok)
	assert.Equal(t, 0, tr.InFlight())
}

func TestPubcompBeforePubrec(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS2}))

	_, ok := tr.HandlePubcomp(mid)
	assert.False(t, ok, "PUBCOMP must not resolve a publish still awaiting PUBREC")
	assert.Equal(t, 1, tr.InFlight())
}

func TestSubscribeUnsubscribeFlow(t *testing.T) {
	tr := newTestTracker()

	smid, err := tr.Allocate()
	require.NoError(t, err)
	tr.TrackSubscribe(smid, []Subscription{{TopicFilter: "a/#", QoS: QoS1}})

	umid, err := tr.Allocate()
	require.NoError(t, err)
	tr.TrackUnsubscribe(umid, []string{"b/#"})

	// Acks only resolve their own kind
	_, ok := tr.HandleSuback(umid)
	assert.False(t, ok)
	_, ok = tr.HandleUnsuback(smid)
	assert.False(t, ok)

	d, ok := tr.HandleSuback(smid)
	require.True(t, ok)
	assert.Equal(t, "a/#", d.Subscriptions[0].TopicFilter)

	d, ok = tr.HandleUnsuback(umid)
	require.True(t, ok)
	assert.Equal(t, []string{"b/#"}, d.TopicFilters)

	assert.Equal(t, 0, tr.InFlight())
}

func TestMaxInflight(t *testing.T) {
	tr := NewDeliveryTracker(20*time.Second, 5, 2)

	for i := 0; i < 2; i++ {
		mid, err := tr.Allocate()
		require.NoError(t, err)
		require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))
	}

	mid, err := tr.Allocate()
	require.NoError(t, err)
	err = tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1})
	assert.ErrorIs(t, err, ErrTooManyInflight)

	// Subscriptions do not count against the publish cap
	smid, err := tr.Allocate()
	require.NoError(t, err)
	tr.TrackSubscribe(smid, []Subscription{{TopicFilter: "a", QoS: QoS0}})
}

func TestRelease(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))

	tr.Release(mid)
	assert.Equal(t, 0, tr.InFlight())

	// Releasing an unknown identifier is a no-op
	tr.Release(12345)
}

func TestDueRetries(t *testing.T) {
	tr := NewDeliveryTracker(100*time.Millisecond, 2, 0)
	now := time.Now()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))

	assert.Empty(t, tr.DueRetries(now), "nothing is due before the interval")

	due := tr.DueRetries(now.Add(150 * time.Millisecond))
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	// The clock restarted; not due again immediately
	assert.Empty(t, tr.DueRetries(now.Add(160*time.Millisecond)))

	due = tr.DueRetries(now.Add(300 * time.Millisecond))
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempts)

	// Budget exhausted: no more retries
	assert.Empty(t, tr.DueRetries(now.Add(500*time.Millisecond)))
}

func TestExpired(t *testing.T) {
	tr := NewDeliveryTracker(100*time.Millisecond, 1, 0)
	now := time.Now()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "doomed", QoS: QoS1}))

	assert.Empty(t, tr.Expired(now.Add(150*time.Millisecond)), "budget not spent yet")

	due := tr.DueRetries(now.Add(150 * time.Millisecond))
	require.Len(t, due, 1)

	expired := tr.Expired(now.Add(400 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, mid, expired[0].MID)
	assert.Equal(t, "doomed", expired[0].Message.Topic)
	assert.Equal(t, 0, tr.InFlight())
}

func TestInboundDedup(t *testing.T) {
	tr := newTestTracker()

	assert.True(t, tr.TrackInbound(7), "first delivery reaches the application")
	assert.False(t, tr.TrackInbound(7), "duplicate mid-handshake is suppressed")

	assert.True(t, tr.HandlePubrel(7))

	// A PUBREL retransmission still gets a PUBCOMP
	assert.True(t, tr.HandlePubrel(7))

	// After the completion record ages out, an unknown PUBREL is refused
	tr.mu.Lock()
	tr.completed = make(map[uint16]time.Time)
	tr.mu.Unlock()
	assert.False(t, tr.HandlePubrel(7))

	// The identifier is fresh again for a new flow
	assert.True(t, tr.TrackInbound(7))
}

func TestCleanupCompleted(t *testing.T) {
	tr := NewDeliveryTracker(50*time.Millisecond, 1, 0)

	require.True(t, tr.TrackInbound(3))
	require.True(t, tr.HandlePubrel(3))

	assert.Equal(t, 0, tr.CleanupCompleted(time.Now()))
	assert.Equal(t, 1, tr.CleanupCompleted(time.Now().Add(time.Second)))
}

func TestPendingOrder(t *testing.T) {
	tr := newTestTracker()

	var mids []uint16
	for i := 0; i < 3; i++ {
		mid, err := tr.Allocate()
		require.NoError(t, err)
		require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))
		mids = append(mids, mid)
	}

	pending := tr.Pending()
	require.Len(t, pending, 3)
	for i, d := range pending {
		assert.Equal(t, mids[i], d.MID, "pending deliveries keep send order")
	}
}

func TestResetForResume(t *testing.T) {
	tr := NewDeliveryTracker(100*time.Millisecond, 2, 0)
	now := time.Now()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))
	tr.DueRetries(now.Add(150 * time.Millisecond))

	resumeAt := now.Add(time.Hour)
	tr.ResetForResume(resumeAt)

	assert.Empty(t, tr.DueRetries(resumeAt.Add(50*time.Millisecond)))
	due := tr.DueRetries(resumeAt.Add(150 * time.Millisecond))
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}

func TestClear(t *testing.T) {
	tr := newTestTracker()

	mid, err := tr.Allocate()
	require.NoError(t, err)
	require.NoError(t, tr.TrackPublish(mid, &Message{Topic: "t", QoS: QoS1}))
	tr.TrackInbound(9)

	tr.Clear()
	assert.Equal(t, 0, tr.InFlight())
	assert.True(t, tr.TrackInbound(9), "inbound state is gone too")
}
