package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeChannel struct {
	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
	tag       uint64
	nack      bool
	silent    bool
	declared  string
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = name + ":" + kind
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error { return nil }

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tag++
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestRabbitMQPublisher_Publish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "storefront.orders")
	require.NoError(t, err)
	assert.Equal(t, "storefront.orders:topic", ch.declared)

	require.NoError(t, p.Publish(context.Background(), "order.placed", map[string]any{"orderId": 7}))
	require.NoError(t, p.Close())

	require.Len(t, ch.published, 1)
	assert.Equal(t, "order.placed", ch.keys[0])
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &body))
	assert.EqualValues(t, 7, body["orderId"])
}

func TestRabbitMQPublisher_PublishDoesNotWaitForConfirm(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const confirmTimeout = 300 * time.Millisecond
	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "ex", WithConfirmTimeout(confirmTimeout))
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), "order.placed", map[string]int{"orderId": i}))
	}
	assert.Less(t, time.Since(start), confirmTimeout)

	require.NoError(t, p.Close())
	assert.Equal(t, 3, ch.sent())
}

func TestRabbitMQPublisher_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "ex", WithQueueSize(1), WithConfirmTimeout(50*time.Millisecond))
	require.NoError(t, err)

	// At most one message is in flight and one queued, so the third is refused.
	var errs []error
	for i := 0; i < 3; i++ {
		errs = append(errs, p.Publish(context.Background(), "order.placed", struct{}{}))
	}
	assert.ErrorIs(t, errors.Join(errs...), ErrQueueFull)

	require.NoError(t, p.Close())
}

func TestRabbitMQPublisher_SendNack(t *testing.T) {
	ch := &fakeChannel{nack: true}
	p, err := NewPublisher(ch, "ex")
	require.NoError(t, err)
	defer p.Close()

	err = p.send(message{routingKey: "order.placed", body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestRabbitMQPublisher_SendConfirmTimeout(t *testing.T) {
	ch := &fakeChannel{silent: true}
	p, err := NewPublisher(ch, "ex", WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	err = p.send(message{routingKey: "order.placed", body: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrConfirmTimeout)
}

func TestRabbitMQPublisher_ContextDone(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "ex")
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Publish(ctx, "order.placed", struct{}{})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestRabbitMQPublisher_Closed(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, "ex")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.ErrorIs(t, p.Publish(context.Background(), "order.placed", struct{}{}), ErrClosed)
	assert.NoError(t, p.Close())
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), "order.placed", nil))
}
