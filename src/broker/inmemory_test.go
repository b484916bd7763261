package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bitten-master/src/contracts"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
		return Message{}
	}
}

func TestInMemoryBroker_PublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, contracts.TopicBuildEvents, "notifier")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, contracts.TopicBuildEvents, "linux-build", []byte("first")))
	require.NoError(t, b.Publish(ctx, contracts.TopicBuildEvents, "linux-build", []byte("second")))

	first := receive(t, ch)
	assert.Equal(t, contracts.TopicBuildEvents, first.Topic)
	assert.Equal(t, "linux-build", first.Key)
	assert.Equal(t, "first", string(first.Value))
	assert.Equal(t, int64(0), first.Offset)

	second := receive(t, ch)
	assert.Equal(t, int64(1), second.Offset)
}

func TestInMemoryBroker_TopicIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	builds, err := b.Subscribe(ctx, contracts.TopicBuildEvents, "g")
	require.NoError(t, err)
	changes, err := b.Subscribe(ctx, contracts.TopicChangesets, "g")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, contracts.TopicChangesets, "42", []byte("cs")))
	assert.Equal(t, "cs", string(receive(t, changes).Value))

	select {
	case msg := <-builds:
		t.Fatalf("unexpected message on builds topic: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBroker_FanOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	a, err := b.Subscribe(ctx, "t", "a")
	require.NoError(t, err)
	c, err := b.Subscribe(ctx, "t", "c")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "t", "", []byte("x")))
	assert.Equal(t, "x", string(receive(t, a).Value))
	assert.Equal(t, "x", string(receive(t, c).Value))
}

func TestInMemoryBroker_CancelClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "t", "g")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after the subscriber left must not block.
	require.NoError(t, b.Publish(context.Background(), "t", "", []byte("late")))
}

func TestInMemoryBroker_Close(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	ch, err := b.Subscribe(context.Background(), "t", "g")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.Error(t, b.Publish(context.Background(), "t", "", nil))
	_, err = b.Subscribe(context.Background(), "t", "g")
	assert.Error(t, err)
}

func TestPublishJSON(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewInMemoryBroker()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx, contracts.TopicNotifications, "g")
	require.NoError(t, err)
	require.NoError(t, PublishJSON(ctx, b, contracts.TopicNotifications, "trunk", contracts.Notification{Config: "trunk"}))
	assert.Contains(t, string(receive(t, ch).Value), `"config":"trunk"`)
}

func TestNewWithoutBrokersIsInMemory(t *testing.T) {
	b, err := New(nil, nil)
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &InMemoryBroker{}, b)
}
