package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitThenPublish(t *testing.T) {
	b := New()
	defer b.Close()

	results := make(chan Delivery, 1)
	go func() {
		d, err := b.Await(context.Background(), "emailApproval", "REQ-1", time.Time{})
		results <- Delivery{Payload: d.Payload, Err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Publish("emailApproval", "REQ-1", map[string]any{"decision": "approved"}))

	select {
	case d := <-results:
		require.NoError(t, d.Err)
		require.Equal(t, "approved", d.Payload["decision"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishBeforeAwaitIsQueued(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Publish("emailApproval", "REQ-2", map[string]any{"decision": "denied"}))

	d, err := b.Await(context.Background(), "emailApproval", "REQ-2", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "denied", d.Payload["decision"])
}

func TestAwaitTimeout(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Await(context.Background(), "never", "x", time.Now().Add(20*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestAwaitCancelled(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Await(ctx, "never", "x", time.Time{})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, ErrCancelled)
}

func TestEmptyCorrelationKeyIsWildcardNotMatchingKeyedPublish(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Publish("signal", "specific-key", map[string]any{"v": 1}))

	_, err := b.Await(context.Background(), "signal", "", time.Now().Add(20*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestFirstRegisteredFirstServed(t *testing.T) {
	b := New()
	defer b.Close()

	first := make(chan Delivery, 1)
	second := make(chan Delivery, 1)
	go func() {
		d, _ := b.Await(context.Background(), "ref", "k", time.Time{})
		first <- d
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		d, _ := b.Await(context.Background(), "ref", "k", time.Time{})
		second <- d
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, b.Publish("ref", "k", map[string]any{"n": 1}))
	require.NoError(t, b.Publish("ref", "k", map[string]any{"n": 2}))

	d1 := <-first
	d2 := <-second
	require.Equal(t, 1, d1.Payload["n"])
	require.Equal(t, 2, d2.Payload["n"])
}

func TestBroadcastDeliversToAllWaiters(t *testing.T) {
	b := New()
	defer b.Close()

	results := make(chan Delivery, 2)
	for i := 0; i < 2; i++ {
		go func() {
			d, _ := b.Await(context.Background(), "sig", "any", time.Time{})
			results <- d
		}()
	}
	time.Sleep(20 * time.Millisecond)
	n := b.Broadcast("sig", map[string]any{"fired": true})
	require.Equal(t, 2, n)

	<-results
	<-results
}
