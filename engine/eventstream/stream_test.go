package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitSubscribeReplay(t *testing.T) {
	s := NewStream(NewMemoryStore())
	ch, cancel := s.Subscribe("inst-1", 8)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, Event{Type: WorkflowStarted, InstanceID: "inst-1", Timestamp: time.Now()}))
	require.NoError(t, s.Emit(ctx, Event{Type: ElementEntered, InstanceID: "inst-1", ElementID: "start", Timestamp: time.Now()}))

	first := <-ch
	require.Equal(t, WorkflowStarted, first.Type)
	second := <-ch
	require.Equal(t, ElementEntered, second.Type)

	events, err := s.Replay(ctx, "inst-1", "")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestReplayUnknownInstance(t *testing.T) {
	s := NewStream(NewMemoryStore())
	_, err := s.Replay(context.Background(), "missing", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDrainPendingMarksEmitted(t *testing.T) {
	store := NewMemoryStore()
	s := NewStream(store)
	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, Event{Type: WorkflowStarted, InstanceID: "inst-2", Timestamp: time.Now()}))

	drained, err := s.DrainPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	again, err := s.DrainPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 0)
}

func TestPurgeRemovesInstance(t *testing.T) {
	store := NewMemoryStore()
	s := NewStream(store)
	ctx := context.Background()
	require.NoError(t, s.Emit(ctx, Event{Type: WorkflowStarted, InstanceID: "inst-3", Timestamp: time.Now()}))
	require.NoError(t, s.Purge(ctx, "inst-3"))

	_, err := s.Replay(ctx, "inst-3", "")
	require.ErrorIs(t, err, ErrNotFound)
}
