package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	storageapi "github.com/rowsync/engine/storage/api"
	transportapi "github.com/rowsync/engine/transport/api"
)

func TestPushRecordsCallsAndUsesScriptedResponse(t *testing.T) {
	tr := New()
	ack := uint64(5)
	tr.PushFn = func(ctx context.Context, req transportapi.PushRequest) (transportapi.PushResponse, error) {
		return transportapi.PushResponse{AcknowledgedThroughSequence: &ack}, nil
	}

	resp, err := tr.Push(context.Background(), transportapi.PushRequest{Operations: []storageapi.PendingOp{{Sequence: 1}}})
	require.NoError(t, err)
	require.Equal(t, ack, *resp.AcknowledgedThroughSequence)
	require.Len(t, tr.PushCalls, 1)
}

func TestPullDefaultsToNoMoreWhenUnscripted(t *testing.T) {
	tr := New()
	resp, err := tr.Pull(context.Background(), transportapi.PullRequest{Limit: 10})
	require.NoError(t, err)
	require.False(t, resp.HasMore)
	require.Len(t, tr.PullCalls, 1)
}

func TestEmitDeliversToSubscribers(t *testing.T) {
	tr := New()
	var got transportapi.Event
	unsub := tr.OnEvent(func(e transportapi.Event) { got = e })
	defer unsub()

	tr.Emit(transportapi.Event{Kind: transportapi.EventNeedsAuth})
	require.Equal(t, transportapi.EventNeedsAuth, got.Kind)
}

func TestUnsubscribeStopsEventDelivery(t *testing.T) {
	tr := New()
	called := false
	unsub := tr.OnEvent(func(transportapi.Event) { called = true })
	unsub()

	tr.Emit(transportapi.Event{Kind: transportapi.EventNeedsAuth})
	require.False(t, called)
}
