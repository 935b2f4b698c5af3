package marketsync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.eventApplied(KindNotificationCreated, sourcePush)
		m.eventDropped("malformed")
		m.mutation(MutationMarkRead, "confirmed")
		m.reconciliation(TriggerManual, "ok", 0)
		m.observeSnapshot(Snapshot{})
	})
}

func TestMetrics_EngineRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	b := newFakeBackend()
	b.setNotifications(notif("1", 1, false), notif("2", 2, false))
	b.setConversations(convState("c1", 1, "m1", "m2"))
	ts := &transports{connected: true}
	e := newTestEngine(t, b, ts.factory, WithMetrics(m))
	e.OnAuthEstablished(alice)
	e.settle()

	tr := ts.get(t, "u1")
	tr.emit(notifChan, "notification.created", `{"id":`)
	require.NoError(t, e.MarkAsRead("1").Wait(waitCtx(t)))
	e.settle()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unread.WithLabelValues("notifications")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.unread.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues(string(MutationMarkRead), "confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues(string(TriggerEstablish), "ok")))
	assert.Positive(t, testutil.ToFloat64(m.eventsApplied.WithLabelValues(string(KindNotificationsReplaced), "fetch")))

	n, err := testutil.GatherAndCount(reg, "marketsync_mutations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_OlderSnapshotIgnored(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.observeSnapshot(Snapshot{Version: 5, UnreadCount: 3, Connected: true})
	m.observeSnapshot(Snapshot{Version: 4, UnreadCount: 9})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.unread.WithLabelValues("notifications")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connected))

	m.observeSnapshot(Snapshot{Version: 6, UnreadCount: 0})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.unread.WithLabelValues("notifications")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connected))
}
