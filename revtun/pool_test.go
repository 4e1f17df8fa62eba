package revtun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPutThenGetFIFO(t *testing.T) {
	p := NewRelayPool(nil)
	a := &RelayLink{}
	b := &RelayLink{}
	p.Put(a)
	p.Put(b)
	require.Equal(t, 2, p.Size())

	got1, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, got1)

	got2, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, b, got2)
	assert.Equal(t, 0, p.Size())
}

func TestPoolGetBlocksUntilPut(t *testing.T) {
	p := NewRelayPool(nil)
	resultCh := make(chan *RelayLink, 1)
	go func() {
		item, err := p.Get(context.Background())
		require.NoError(t, err)
		resultCh <- item
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-resultCh:
		t.Fatal("Get returned before any Put")
	default:
	}

	x := &RelayLink{}
	p.Put(x)

	select {
	case got := <-resultCh:
		assert.Same(t, x, got)
	case <-time.After(time.Second):
		t.Fatal("Get never unblocked after Put")
	}
}

func TestPoolGetServesConcurrentWaitersInArrivalOrder(t *testing.T) {
	p := NewRelayPool(nil)
	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			_, err := p.Get(context.Background())
			require.NoError(t, err)
			order <- i
		}()
		time.Sleep(10 * time.Millisecond) // ensure registration order
	}

	for i := 0; i < 3; i++ {
		p.Put(&RelayLink{})
		select {
		case got := <-order:
			assert.Equal(t, i, got, "waiter %d should have been served by the %d-th Put", i, i)
		case <-time.After(time.Second):
			t.Fatal("waiter was never served")
		}
	}
}

func TestPoolGetCancelledByContextDoesNotConsume(t *testing.T) {
	p := NewRelayPool(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Get(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, p.Size())

	x := &RelayLink{}
	p.Put(x)
	got, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, x, got)
}

func TestPoolRemoveMidQueue(t *testing.T) {
	p := NewRelayPool(nil)
	a, b, c := &RelayLink{}, &RelayLink{}, &RelayLink{}
	p.Put(a)
	p.Put(b)
	p.Put(c)

	require.True(t, p.Remove(b))
	require.False(t, p.Remove(b), "second remove of the same item is a no-op")

	got1, _ := p.Get(context.Background())
	got2, _ := p.Get(context.Background())
	assert.Same(t, a, got1)
	assert.Same(t, c, got2)
}

func TestPoolWatcherNotifiedOnPutAndGet(t *testing.T) {
	p := NewRelayPool(nil)
	var events []PoolEventName
	id := p.AddWatcher(func(ev PoolEvent) { events = append(events, ev.Name) })
	defer p.RemoveWatcher(id)

	x := &RelayLink{}
	p.Put(x)
	_, err := p.Get(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, PoolEventNewReplier, events[0])
	assert.Equal(t, PoolEventPopReplier, events[1])
}
