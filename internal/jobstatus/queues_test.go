package jobstatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingFor(t *testing.T) {
	tests := []struct {
		status          Status
		wantAddTo       []Queue
		wantAddToIfLast []Queue
	}{
		{StatusPending, []Queue{QueuePendingCrawl}, nil},
		{StatusPendingCrawl, []Queue{QueuePendingCrawl}, nil},
		{StatusPendingParseEmail, []Queue{QueuePendingParse}, nil},
		{StatusInProgress, []Queue{QueueInProgress}, nil},
		{StatusSuccess, []Queue{QueueSuccess}, []Queue{QueueReadyToSync}},
		{StatusPendingSyncDrive, []Queue{QueueReadyToSync}, nil},
		{StatusSkipped, []Queue{QueueSkipped}, nil},
		{StatusErrorGeneric, []Queue{QueueErrorGeneric}, nil},
		{StatusErrorCrawl, []Queue{QueueErrorCrawl}, nil},
		{StatusErrorTimeout, []Queue{QueueErrorTimeout}, nil},
		{StatusErrorNotFound, []Queue{QueueNotFound}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			r, ok := RoutingFor(tt.status)
			require.True(t, ok)
			assert.Equal(t, tt.wantAddTo, r.AddTo)
			assert.Equal(t, tt.wantAddToIfLast, r.AddToIfLast)
		})
	}
}

func TestRoutingFor_RemovesFromEveryOtherActiveQueue(t *testing.T) {
	r, ok := RoutingFor(StatusInProgress)
	require.True(t, ok)

	assert.NotContains(t, r.RemoveFrom, QueueInProgress)
	assert.NotContains(t, r.RemoveFrom, QueueAllKnown)
	for _, q := range []Queue{
		QueuePendingCrawl,
		QueuePendingParse,
		QueueSuccess,
		QueueSkipped,
		QueueErrorGeneric,
		QueueErrorCrawl,
		QueueErrorTimeout,
		QueueNotFound,
	} {
		assert.Contains(t, r.RemoveFrom, q)
	}
}

func TestRoutingFor_SuccessKeepsReadyToSyncOutOfRemovals(t *testing.T) {
	r, ok := RoutingFor(StatusSuccess)
	require.True(t, ok)

	assert.NotContains(t, r.RemoveFrom, QueueSuccess)
	assert.NotContains(t, r.RemoveFrom, QueueReadyToSync)
	assert.Contains(t, r.RemoveFrom, QueueInProgress)
}

func TestRoutingFor_UnknownStatus(t *testing.T) {
	_, ok := RoutingFor(Status("BOGUS"))
	assert.False(t, ok)
}

func TestQueueForStatus(t *testing.T) {
	q, ok := QueueForStatus(StatusPendingCrawl)
	require.True(t, ok)
	assert.Equal(t, QueuePendingCrawl, q)

	q, ok = QueueForStatus(StatusPendingParseEmail)
	require.True(t, ok)
	assert.Equal(t, QueuePendingParse, q)

	_, ok = QueueForStatus(Status("BOGUS"))
	assert.False(t, ok)
}
